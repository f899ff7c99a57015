// Package conn implements spec.md §4.B's Connection: the owner of one
// socket's read buffer, write queue and lifecycle state. A Connection is
// mutated only by the goroutine that calls its exported methods — in this
// repository, always the Reactor's single dispatch goroutine. The write
// path's own goroutine talks back only through callbacks, never by
// touching Connection fields directly.
package conn

import (
	"fmt"
	"time"

	"github.com/jan-g/talkmesh/internal/framing"
)

// Transport is the minimal socket interface a Connection needs, matching
// spec.md §9's "Transport { read, write, close }". net.Conn satisfies it;
// the simnet package provides a deterministic fake for tests.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Role distinguishes the two listening roles a server holds, per spec.md
// §1.
type Role int

const (
	RoleClient Role = iota
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RolePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// State is a Connection's lifecycle state, per spec.md §4.B/§4.I's state
// machine (CONNECTING/HANDSHAKING live above this package, in mesh.PeerLink;
// a bare Connection only knows Open/Draining/Closed).
type State int

const (
	StateOpen State = iota
	StateDraining
	StateClosed
)

// CloseReason is one of spec.md §7's error kinds, optionally wrapping the
// underlying cause.
type CloseReason struct {
	Code  string
	Cause error
}

func (r CloseReason) Error() string {
	if r.Cause == nil {
		return r.Code
	}
	return fmt.Sprintf("%s: %v", r.Code, r.Cause)
}

// Close reason codes from spec.md §7.
const (
	ReasonIO                = "IO"
	ReasonMalformed         = "MALFORMED"
	ReasonProtocol          = "PROTOCOL"
	ReasonHandshakeTimeout  = "HANDSHAKE_TIMEOUT"
	ReasonOversize          = "OVERSIZE"
	ReasonShutdown          = "SHUTDOWN"
	ReasonDuplicatePeer     = "DUPLICATE_PEER"
	ReasonOrderlyClose      = "EOF"
)

// DefaultDrainGrace is the bound on how long a Draining connection waits
// for its write queue to empty before being force-closed, per spec.md §4.B.
const DefaultDrainGrace = 2 * time.Second

// RecordHandler processes one complete record read from a Connection. It
// runs on the same goroutine that called OnReadable.
type RecordHandler func(c *Connection, record []byte)

// WriteDone is reported by a Connection's writer goroutine once the write
// queue has drained (Drained=true) or a write failed (Err set). It is
// delivered via the callback supplied to New, which the Reactor wires back
// into its own event channel — the Connection itself never calls back into
// Reactor state directly.
type WriteDone struct {
	Drained bool
	Err     error
}

// Connection owns one socket, in either role. See package doc for the
// single-writer-goroutine / single-mutator-goroutine split.
type Connection struct {
	ID         uint64
	Role       Role
	RemoteAddr string

	transport Transport
	framer    *framing.Framer
	onRecord  RecordHandler

	writeCh    chan []byte
	writeDone  chan struct{}
	onWriteRes func(WriteDone)

	State       State
	CloseReason *CloseReason

	drainGrace time.Duration
	chClosed   bool
}

// New constructs a Connection and starts its writer goroutine. onRecord is
// invoked synchronously from OnReadable — the caller (Reactor) is
// responsible for only calling OnReadable from its single dispatch
// goroutine. onWriteResult is invoked from the writer goroutine and MUST
// NOT touch Connection or MeshServer state directly; it should only ever
// enqueue an event for the Reactor to process.
func New(id uint64, role Role, remoteAddr string, t Transport, maxRecordSize int, drainGrace time.Duration, onRecord RecordHandler, onWriteResult func(WriteDone)) *Connection {
	if drainGrace <= 0 {
		drainGrace = DefaultDrainGrace
	}
	c := &Connection{
		ID:         id,
		Role:       role,
		RemoteAddr: remoteAddr,
		transport:  t,
		framer:     framing.New(maxRecordSize),
		onRecord:   onRecord,
		writeCh:    make(chan []byte, 1024),
		writeDone:  make(chan struct{}),
		onWriteRes: onWriteResult,
		State:      StateOpen,
		drainGrace: drainGrace,
	}
	go c.runWriter()
	return c
}

// OnReadable feeds newly-read bytes through the Framer and invokes
// onRecord for each complete record. It must only be called from the
// Reactor's dispatch goroutine.
func (c *Connection) OnReadable(chunk []byte) error {
	records, err := c.framer.Feed(chunk)
	for _, record := range records {
		c.onRecord(c, record)
	}
	return err
}

// Enqueue appends record (framed with a trailing CRLF) to the write queue.
// It must only be called from the Reactor's dispatch goroutine. It returns
// false if the connection is not Open — that covers Closed, but also
// Draining: BeginClose closes writeCh while the connection is still
// Draining, and a send on a closed channel panics even inside a select (the
// default case only catches a full channel, not a closed one) — or the
// write queue is full, per spec.md's non-goal of backpressure across the
// mesh, where a full queue simply drops the record rather than blocking
// the reactor.
func (c *Connection) Enqueue(record []byte) bool {
	if c.State != StateOpen {
		return false
	}
	select {
	case c.writeCh <- framing.Encode(record):
		return true
	default:
		return false
	}
}

// BeginClose transitions the connection to Draining (if not already beyond
// that) and records reason. The caller is responsible for scheduling a
// grace-timer fallback to ForceClose.
func (c *Connection) BeginClose(reason CloseReason) {
	if c.State == StateClosed {
		return
	}
	if c.CloseReason == nil {
		c.CloseReason = &reason
	}
	if c.State == StateOpen {
		c.State = StateDraining
		c.chClosed = true
		close(c.writeCh)
	}
}

// ForceClose closes the transport immediately and marks the connection
// Closed, regardless of outstanding queued writes.
func (c *Connection) ForceClose(reason CloseReason) {
	if c.State == StateClosed {
		return
	}
	if c.CloseReason == nil {
		c.CloseReason = &reason
	}
	if !c.chClosed {
		c.chClosed = true
		close(c.writeCh)
	}
	c.State = StateClosed
	_ = c.transport.Close()
}

// DrainGrace returns the configured grace period for this connection.
func (c *Connection) DrainGrace() time.Duration {
	return c.drainGrace
}

func (c *Connection) runWriter() {
	for chunk := range c.writeCh {
		if _, err := c.transport.Write(chunk); err != nil {
			c.onWriteRes(WriteDone{Err: err})
			// Keep draining the channel so Enqueue's non-blocking sends
			// never panic on a closed channel race; the Reactor will
			// ForceClose us once it processes the error.
			for range c.writeCh {
			}
			return
		}
	}
	c.onWriteRes(WriteDone{Drained: true})
}
