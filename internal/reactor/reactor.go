package reactor

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/jan-g/talkmesh/internal/conn"
	"github.com/jan-g/talkmesh/internal/metrics"
)

// DefaultPollTimeout is the bound on how long one reactor turn waits for
// an event before it re-checks its timers, per spec.md §4.C.
const DefaultPollTimeout = 250 * time.Millisecond

// DefaultShutdownGrace bounds how long Shutdown waits for the connection
// set to empty before forcing every remaining connection closed.
const DefaultShutdownGrace = 5 * time.Second

// AcceptHandler is invoked on the reactor's dispatch goroutine when a
// listener accepts a new transport.
type AcceptHandler func(r *Reactor, listenerID uint64, t conn.Transport, remoteAddr string)

// listenerEntry pairs a registered Listener with the handler that should
// process its accepted connections.
type listenerEntry struct {
	listener Listener
	onAccept AcceptHandler
}

// timerEntry is one armed callback, periodic if interval > 0.
type timerEntry struct {
	id       uint64
	deadline time.Time
	interval time.Duration
	cb       func(now time.Time)
	cancelled bool
}

// Reactor is spec.md §4.C's single-threaded readiness multiplexer. All
// connection mutation, observer dispatch and MeshServer state changes
// triggered through RecordHandler/AcceptHandler/timer callbacks run on the
// single goroutine inside Run.
type Reactor struct {
	poller      Poller
	logger      tmlog.Logger
	metrics     *metrics.Metrics
	pollTimeout time.Duration
	shutdownGrace time.Duration

	connections   map[uint64]*conn.Connection
	closeHooks    map[uint64]func(conn.CloseReason)
	listeners     map[uint64]*listenerEntry
	timers        map[uint64]*timerEntry
	dialCallbacks map[uint64]func(conn.Transport, error)

	nextID    uint64
	nextTimer uint64
	nextDial  uint64

	stopCh      chan struct{}
	shuttingDown bool
	shutdownDeadline time.Time
	done        chan struct{}
}

// Option configures a Reactor at construction.
type Option func(*Reactor)

// WithPollTimeout overrides DefaultPollTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(r *Reactor) { r.pollTimeout = d }
}

// WithShutdownGrace overrides DefaultShutdownGrace.
func WithShutdownGrace(d time.Duration) Option {
	return func(r *Reactor) { r.shutdownGrace = d }
}

// WithMetrics attaches a metrics.Metrics sink; defaults to NopMetrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reactor) { r.metrics = m }
}

// New constructs a Reactor driven by poller.
func New(poller Poller, logger tmlog.Logger, opts ...Option) *Reactor {
	r := &Reactor{
		poller:        poller,
		logger:        logger,
		metrics:       metrics.NopMetrics(),
		pollTimeout:   DefaultPollTimeout,
		shutdownGrace: DefaultShutdownGrace,
		connections:   make(map[uint64]*conn.Connection),
		closeHooks:    make(map[uint64]func(conn.CloseReason)),
		listeners:     make(map[uint64]*listenerEntry),
		timers:        make(map[uint64]*timerEntry),
		dialCallbacks: make(map[uint64]func(conn.Transport, error)),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reactor) allocID() uint64 {
	return atomic.AddUint64(&r.nextID, 1)
}

// AddListener registers l; every accepted transport is handed to onAccept
// on the dispatch goroutine.
func (r *Reactor) AddListener(l Listener, onAccept AcceptHandler) (uint64, error) {
	id := r.allocID()
	if err := r.poller.RegisterListener(id, l); err != nil {
		return 0, err
	}
	r.listeners[id] = &listenerEntry{listener: l, onAccept: onAccept}
	return id, nil
}

// RemoveListener stops accepting on the given listener id.
func (r *Reactor) RemoveListener(id uint64) {
	if entry, ok := r.listeners[id]; ok {
		r.poller.Unregister(id)
		_ = entry.listener.Close()
		delete(r.listeners, id)
	}
}

// AddConnection wraps t in a new Connection, registers it for readability
// events, and starts its writer goroutine. onRecord is called for every
// complete record, on the dispatch goroutine. onClose, if non-nil, is
// called exactly once on the dispatch goroutine when the connection is
// finally force-closed (orderly or not) — this is how mesh.PeerLink learns
// its Connection went away without needing a second poll of Reactor state.
func (r *Reactor) AddConnection(role conn.Role, remoteAddr string, t conn.Transport, maxRecordSize int, drainGrace time.Duration, onRecord conn.RecordHandler, onClose func(conn.CloseReason)) *conn.Connection {
	id := r.allocID()
	c := conn.New(id, role, remoteAddr, t, maxRecordSize, drainGrace, func(c *conn.Connection, record []byte) {
		r.metrics.MarkRecords(1)
		onRecord(c, record)
	}, func(wd conn.WriteDone) {
		r.poller.PushEvent(Event{Kind: EventWriteResult, ConnID: id, WriteDone: wd})
	})
	r.connections[id] = c
	if onClose != nil {
		r.closeHooks[id] = onClose
	}
	r.poller.RegisterConnection(id, t)
	return c
}

// Connection looks up a registered connection by id.
func (r *Reactor) Connection(id uint64) (*conn.Connection, bool) {
	c, ok := r.connections[id]
	return c, ok
}

// CloseConnection begins an orderly close of the connection, bounded by
// its drain grace via a one-shot timer.
func (r *Reactor) CloseConnection(id uint64, reason conn.CloseReason) {
	c, ok := r.connections[id]
	if !ok {
		return
	}
	c.BeginClose(reason)
	r.AfterFunc(c.DrainGrace(), func(time.Time) {
		if c, ok := r.connections[id]; ok && c.State != conn.StateClosed {
			r.forceCloseConn(id, reason)
		}
	})
}

func (r *Reactor) forceCloseConn(id uint64, reason conn.CloseReason) {
	c, ok := r.connections[id]
	if !ok {
		return
	}
	c.ForceClose(reason)
	r.poller.Unregister(id)
	delete(r.connections, id)
	if hook, ok := r.closeHooks[id]; ok {
		delete(r.closeHooks, id)
		hook(reason)
	}
}

// AfterFunc arms a one-shot timer that fires cb on the dispatch goroutine
// no earlier than d from now. It returns a timer id usable with
// CancelTimer.
func (r *Reactor) AfterFunc(d time.Duration, cb func(now time.Time)) uint64 {
	id := atomic.AddUint64(&r.nextTimer, 1)
	r.timers[id] = &timerEntry{id: id, deadline: time.Now().Add(d), cb: cb}
	return id
}

// Every arms a periodic timer, first firing after d and then every d.
func (r *Reactor) Every(d time.Duration, cb func(now time.Time)) uint64 {
	id := atomic.AddUint64(&r.nextTimer, 1)
	r.timers[id] = &timerEntry{id: id, deadline: time.Now().Add(d), interval: d, cb: cb}
	return id
}

// CancelTimer disarms a previously-scheduled timer.
func (r *Reactor) CancelTimer(id uint64) {
	if t, ok := r.timers[id]; ok {
		t.cancelled = true
		delete(r.timers, id)
	}
}

// Dial resolves addr on a throwaway goroutine and reports the result to
// onResult on the dispatch goroutine, via EventDialResult — per spec.md §5,
// no handler may block the dispatch goroutine on I/O, and net.Dial can block
// for the OS connect timeout against a slow or unreachable peer.
func (r *Reactor) Dial(addr string, onResult func(t conn.Transport, err error)) uint64 {
	id := atomic.AddUint64(&r.nextDial, 1)
	r.dialCallbacks[id] = onResult
	go func() {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			r.poller.PushEvent(Event{Kind: EventDialResult, DialID: id, Err: err})
			return
		}
		r.poller.PushEvent(Event{Kind: EventDialResult, DialID: id, DialConn: c})
	}()
	return id
}

// Peers / Connections snapshot: ConnectionIDs returns the ids of every
// registered connection with the given role, for callers assembling a
// /peers-style answer without reaching into mesh state.
func (r *Reactor) ConnectionIDs(role conn.Role) []uint64 {
	var ids []uint64
	for id, c := range r.connections {
		if c.Role == role {
			ids = append(ids, id)
		}
	}
	return ids
}

// Run drives the reactor's single dispatch loop until Shutdown completes
// or Stop is called. It returns once every connection has closed (during
// shutdown) or immediately on a hard Stop.
func (r *Reactor) Run() {
	defer close(r.done)
	timer := time.NewTimer(r.pollTimeout)
	defer timer.Stop()

	for {
		wait := r.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case ev := <-r.poller.Events():
			r.handleEvent(ev)
		case <-timer.C:
		case <-r.stopCh:
			return
		}

		r.fireTimers()

		if r.shuttingDown && len(r.connections) == 0 {
			return
		}
		if r.shuttingDown && time.Now().After(r.shutdownDeadline) {
			r.forceCloseAll()
			return
		}
	}
}

// Stop ends Run immediately without draining connections. Intended for
// tests; production shutdown should use Shutdown.
func (r *Reactor) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Shutdown requests an orderly shutdown. It is safe to call from any
// goroutine — including a signal handler racing Run's dispatch goroutine —
// because it only marshals an EventShutdownRequested onto the poller rather
// than touching reactor state itself; beginShutdown does the actual work,
// from inside handleEvent.
func (r *Reactor) Shutdown() {
	r.poller.PushEvent(Event{Kind: EventShutdownRequested})
}

// beginShutdown stops accepting new connections, begins an orderly close of
// every existing connection with reason SHUTDOWN, and lets Run exit once
// the connection set is empty or the shutdown grace timer expires,
// whichever is first — per spec.md §4.C. Only ever called from handleEvent,
// on the dispatch goroutine.
func (r *Reactor) beginShutdown() {
	if r.shuttingDown {
		return
	}
	r.shuttingDown = true
	r.shutdownDeadline = time.Now().Add(r.shutdownGrace)
	for id := range r.listeners {
		r.RemoveListener(id)
	}
	for id := range r.connections {
		r.CloseConnection(id, conn.CloseReason{Code: conn.ReasonShutdown})
	}
}

// Done returns a channel closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) forceCloseAll() {
	for id := range r.connections {
		r.forceCloseConn(id, conn.CloseReason{Code: conn.ReasonShutdown})
	}
}

func (r *Reactor) nextWait() time.Duration {
	wait := r.pollTimeout
	now := time.Now()
	for _, t := range r.timers {
		if t.cancelled {
			continue
		}
		if d := t.deadline.Sub(now); d < wait {
			if d < 0 {
				d = 0
			}
			wait = d
		}
	}
	return wait
}

func (r *Reactor) fireTimers() {
	now := time.Now()
	for id, t := range r.timers {
		if t.cancelled {
			delete(r.timers, id)
			continue
		}
		if now.Before(t.deadline) {
			continue
		}
		t.cb(now)
		if t.interval > 0 && !t.cancelled {
			t.deadline = now.Add(t.interval)
		} else {
			delete(r.timers, id)
		}
	}
}

func (r *Reactor) handleEvent(ev Event) {
	start := time.Now()
	defer func() { r.metrics.ReactorTick.Observe(time.Since(start).Seconds()) }()

	switch ev.Kind {
	case EventReadable:
		c, ok := r.connections[ev.ConnID]
		if !ok {
			return
		}
		if err := c.OnReadable(ev.Data); err != nil {
			r.CloseConnection(ev.ConnID, conn.CloseReason{Code: conn.ReasonOversize, Cause: err})
		}
	case EventConnClosed:
		c, ok := r.connections[ev.ConnID]
		if !ok {
			return
		}
		reason := conn.CloseReason{Code: conn.ReasonOrderlyClose, Cause: ev.Err}
		if ev.Err != nil {
			reason.Code = conn.ReasonIO
		}
		r.forceCloseConn(ev.ConnID, reason)
		r.logger.Debug("connection closed on read", "conn", ev.ConnID, "remote", c.RemoteAddr, "err", ev.Err)
	case EventWriteResult:
		if !ev.WriteDone.Drained && ev.WriteDone.Err != nil {
			c, ok := r.connections[ev.ConnID]
			if ok {
				r.logger.Debug("connection write failed", "conn", ev.ConnID, "remote", c.RemoteAddr, "err", ev.WriteDone.Err)
			}
			r.forceCloseConn(ev.ConnID, conn.CloseReason{Code: conn.ReasonIO, Cause: ev.WriteDone.Err})
		} else if ev.WriteDone.Drained {
			r.forceCloseConn(ev.ConnID, conn.CloseReason{Code: conn.ReasonOrderlyClose})
		}
	case EventAccepted:
		entry, ok := r.listeners[ev.ListenerID]
		if !ok {
			_ = ev.Accepted.Close()
			return
		}
		entry.onAccept(r, ev.ListenerID, ev.Accepted, ev.RemoteAddr)
	case EventListenerClosed:
		r.logger.Info("listener stopped", "listener", ev.ListenerID, "err", ev.Err)
		delete(r.listeners, ev.ListenerID)
	case EventDialResult:
		cb, ok := r.dialCallbacks[ev.DialID]
		if !ok {
			if ev.DialConn != nil {
				_ = ev.DialConn.Close()
			}
			return
		}
		delete(r.dialCallbacks, ev.DialID)
		cb(ev.DialConn, ev.Err)
	case EventShutdownRequested:
		r.beginShutdown()
	default:
		r.logger.Error("reactor: unknown event kind", "kind", fmt.Sprintf("%d", ev.Kind))
	}
}
