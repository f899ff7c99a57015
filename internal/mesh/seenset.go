package mesh

import (
	"container/list"

	"github.com/jan-g/talkmesh/internal/meshid"
)

// DefaultSeenSetCapacity is spec.md §4.F's default SeenSet capacity.
const DefaultSeenSetCapacity = 10000

// SeenSet is the bounded dedup cache of spec.md §3: a mapping from
// MessageId to a recency marker, evicted strictly by insertion order (not
// access order) once capacity is exceeded.
type SeenSet struct {
	capacity int
	index    map[meshid.MessageID]*list.Element
	order    *list.List
}

// NewSeenSet returns an empty SeenSet holding at most capacity entries.
// capacity <= 0 selects DefaultSeenSetCapacity.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenSetCapacity
	}
	return &SeenSet{
		capacity: capacity,
		index:    make(map[meshid.MessageID]*list.Element),
		order:    list.New(),
	}
}

// Insert records id as seen. It returns true if id was not already present
// (the caller should process the datagram), false if it is a duplicate
// (the caller must drop it silently, per spec.md §4.F step 1).
func (s *SeenSet) Insert(id meshid.MessageID) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	elem := s.order.PushBack(id)
	s.index[id] = elem
	if s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(meshid.MessageID))
	}
	return true
}

// Contains reports whether id is currently held, without inserting it.
func (s *SeenSet) Contains(id meshid.MessageID) bool {
	_, ok := s.index[id]
	return ok
}

// Len returns the current number of held entries.
func (s *SeenSet) Len() int {
	return s.order.Len()
}
