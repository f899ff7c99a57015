// Package meshid defines the identity types shared across the mesh: the
// per-server ServerID and the per-message MessageID used for flooding
// dedup.
package meshid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

// ServerID is a stable, randomly-generated identifier for a server
// instance. It is compared by equality; Greater gives a byte ordering.
type ServerID [16]byte

// NewServerID generates a random 128-bit ServerID.
func NewServerID() (ServerID, error) {
	var id ServerID
	if _, err := rand.Read(id[:]); err != nil {
		return ServerID{}, fmt.Errorf("generating server id: %w", err)
	}
	return id, nil
}

// ParseServerID decodes a hex-encoded ServerID, as carried on the wire in
// HELLO lines and MSG origin fields.
func ParseServerID(s string) (ServerID, error) {
	var id ServerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return ServerID{}, fmt.Errorf("parsing server id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return ServerID{}, fmt.Errorf("parsing server id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ServerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form suitable for default display names and
// log correlation, e.g. "a1b2c3d4".
func (id ServerID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether id is the zero value (never a valid generated id,
// used as a sentinel).
func (id ServerID) IsZero() bool {
	return id == ServerID{}
}

// GraphLabel derives a 4-character label from id for the debug server's
// compact peer-graph diagram, where the full 32-character hex id would
// overwhelm a node label. It is a display aid only, not used for equality
// or routing, so blake2b's usual collision resistance is wasted here — cut
// to 2 bytes is a deliberate size/readability tradeoff for a diagram that
// is approximate by nature.
func (id ServerID) GraphLabel() string {
	sum := blake2b.Sum256(id[:])
	return hex.EncodeToString(sum[:2])
}

// Greater reports whether id sorts after other when compared as raw bytes.
// The duplicate-UP-peer check in mesh.PeerLink does not call it: there the
// first link to reach UP is retained and later ones are closed.
func (id ServerID) Greater(other ServerID) bool {
	return bytes.Compare(id[:], other[:]) > 0
}

// MessageID is the identity of a mesh datagram: the server that minted it
// and a counter local to that origin. Two datagrams are "the same" iff
// their MessageIDs are equal.
type MessageID struct {
	Origin  ServerID
	Counter uint64
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d", id.Origin.Short(), id.Counter)
}

// Counter is a monotonically-increasing, origin-local sequence used to mint
// MessageIDs. It is only ever touched from the Reactor thread, so it need
// not be atomic for correctness, but atomic access keeps it safe to read
// from the debug server for diagnostics without taking the MeshServer lock.
type Counter struct {
	value uint64
}

// Next returns the next counter value, starting at 1.
func (c *Counter) Next() uint64 {
	return atomic.AddUint64(&c.value, 1)
}

// Peek returns the most recently issued value without allocating a new one.
func (c *Counter) Peek() uint64 {
	return atomic.LoadUint64(&c.value)
}
