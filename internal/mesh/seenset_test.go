package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jan-g/talkmesh/internal/meshid"
)

func idN(n uint64) meshid.MessageID {
	var origin meshid.ServerID
	return meshid.MessageID{Origin: origin, Counter: n}
}

func TestSeenSet_InsertReportsNewVsDuplicate(t *testing.T) {
	s := NewSeenSet(10)
	assert.True(t, s.Insert(idN(1)))
	assert.False(t, s.Insert(idN(1)))
	assert.True(t, s.Insert(idN(2)))
	assert.Equal(t, 2, s.Len())
}

func TestSeenSet_EvictsByInsertionOrderNotAccess(t *testing.T) {
	s := NewSeenSet(3)
	require.True(t, s.Insert(idN(1)))
	require.True(t, s.Insert(idN(2)))
	require.True(t, s.Insert(idN(3)))

	// Touch id 1 repeatedly; a true LRU would keep it alive past id 2.
	assert.False(t, s.Insert(idN(1)))
	assert.False(t, s.Insert(idN(1)))

	require.True(t, s.Insert(idN(4))) // evicts id 1, the oldest insertion
	assert.False(t, s.Contains(idN(1)))
	assert.True(t, s.Contains(idN(2)))
	assert.True(t, s.Contains(idN(3)))
	assert.True(t, s.Contains(idN(4)))
	assert.Equal(t, 3, s.Len())
}
