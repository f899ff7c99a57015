// Package simnet implements spec.md §9's determinism harness: a fake
// Transport/Poller pair that records every write as an event and lets a
// test drive delivery order explicitly via a Deliver knob, instead of
// relying on real goroutine scheduling.
package simnet

import (
	"io"
	"sync"

	"github.com/jan-g/talkmesh/internal/conn"
	"github.com/jan-g/talkmesh/internal/reactor"
)

// pipe is one direction of a connected pair: bytes Write()n by one side
// land in inflight; FakePoller.Deliver drains them from there and hands
// them to the simulated "reader" side as an EventReadable.
type pipe struct {
	mu       sync.Mutex
	inflight []byte
	closed   bool
}

func (p *pipe) write(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight = append(p.inflight, b...)
}

// drain removes up to n bytes (n<=0 means "all") from inflight and returns
// them.
func (p *pipe) drain(n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || n > len(p.inflight) {
		n = len(p.inflight)
	}
	out := make([]byte, n)
	copy(out, p.inflight[:n])
	p.inflight = p.inflight[n:]
	return out
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// FakeConn is a conn.Transport backed by in-memory pipes instead of a real
// socket.
type FakeConn struct {
	name string
	out  *pipe // this side's Write lands here
	in   *pipe // this side's "peer wrote to us" buffer
}

// NewFakePair returns two FakeConns wired to each other: a's writes are
// what b's Deliver calls surface, and vice versa.
func NewFakePair(nameA, nameB string) (a, b *FakeConn) {
	ab := &pipe{}
	ba := &pipe{}
	a = &FakeConn{name: nameA, out: ab, in: ba}
	b = &FakeConn{name: nameB, out: ba, in: ab}
	return a, b
}

func (c *FakeConn) Write(p []byte) (int, error) {
	c.out.mu.Lock()
	closed := c.out.closed
	c.out.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	c.out.write(p)
	return len(p), nil
}

// Read is unused by the simulated harness (FakePoller synthesizes
// EventReadable directly from Deliver) but is implemented so FakeConn
// fully satisfies conn.Transport.
func (c *FakeConn) Read(p []byte) (int, error) {
	data := c.in.drain(len(p))
	if len(data) == 0 {
		return 0, nil
	}
	return copy(p, data), nil
}

func (c *FakeConn) Close() error {
	c.out.close()
	return nil
}

var _ conn.Transport = (*FakeConn)(nil)

// FakeListener is a reactor.Listener stand-in; tests drive accepts
// directly via FakePoller.Accept rather than a background Accept loop.
type FakeListener struct {
	addr string
}

func NewFakeListener(addr string) *FakeListener { return &FakeListener{addr: addr} }

func (l *FakeListener) Accept() (conn.Transport, string, error) {
	select {} // never called: simnet tests drive accepts via FakePoller.Accept
}

func (l *FakeListener) Close() error { return nil }
func (l *FakeListener) Addr() string { return l.addr }

var _ reactor.Listener = (*FakeListener)(nil)

// FakePoller is the deterministic reactor.Poller used by tests. Unlike
// RealPoller it spawns no goroutines: every event it delivers was put
// there by an explicit test call (Deliver, Accept, CloseConn) or through
// PushEvent, which the Reactor's connection writers, Dial and Shutdown use.
type FakePoller struct {
	events chan reactor.Event

	mu        sync.Mutex
	conns     map[uint64]*FakeConn
	listeners map[uint64]*FakeListener
}

// NewFakePoller returns a FakePoller with the given event buffer size.
func NewFakePoller(bufSize int) *FakePoller {
	return &FakePoller{
		events:    make(chan reactor.Event, bufSize),
		conns:     make(map[uint64]*FakeConn),
		listeners: make(map[uint64]*FakeListener),
	}
}

func (p *FakePoller) RegisterConnection(id uint64, t conn.Transport) {
	fc, ok := t.(*FakeConn)
	if !ok {
		return
	}
	p.mu.Lock()
	p.conns[id] = fc
	p.mu.Unlock()
}

func (p *FakePoller) RegisterListener(id uint64, l reactor.Listener) error {
	fl, ok := l.(*FakeListener)
	if !ok {
		return nil
	}
	p.mu.Lock()
	p.listeners[id] = fl
	p.mu.Unlock()
	return nil
}

func (p *FakePoller) Unregister(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, id)
	delete(p.listeners, id)
}

func (p *FakePoller) Events() <-chan reactor.Event { return p.events }

func (p *FakePoller) PushEvent(ev reactor.Event) { p.events <- ev }

func (p *FakePoller) Close() {}

// Deliver moves up to n bytes (n<=0 = all currently inflight) of connID's
// inbound pipe into view and emits a single EventReadable carrying them.
// It returns the number of bytes delivered. This is the knob spec.md §9
// calls "the ability to block messages from being delivered": a test can
// call Write on one FakeConn and choose not to call Deliver on its peer at
// all, simulating an arbitrarily-delayed or dropped delivery.
func (p *FakePoller) Deliver(connID uint64, n int) int {
	p.mu.Lock()
	fc, ok := p.conns[connID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	data := fc.in.drain(n)
	if len(data) == 0 {
		return 0
	}
	p.events <- reactor.Event{Kind: reactor.EventReadable, ConnID: connID, Data: data}
	return len(data)
}

// Accept simulates listener listenerID accepting t from remoteAddr.
func (p *FakePoller) Accept(listenerID uint64, t conn.Transport, remoteAddr string) {
	p.events <- reactor.Event{Kind: reactor.EventAccepted, ListenerID: listenerID, Accepted: t, RemoteAddr: remoteAddr}
}

// CloseConn simulates connID's transport failing on read with err (nil for
// orderly EOF).
func (p *FakePoller) CloseConn(connID uint64, err error) {
	p.events <- reactor.Event{Kind: reactor.EventConnClosed, ConnID: connID, Err: err}
}

var _ reactor.Poller = (*FakePoller)(nil)
