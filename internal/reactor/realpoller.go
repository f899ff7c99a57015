package reactor

import (
	"net"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	"golang.org/x/net/netutil"

	"github.com/jan-g/talkmesh/internal/conn"
)

// readBufSize is the chunk size drawn from the shared buffer pool per read,
// mirroring Tendermint's own p2p/conn use of this package for its MConnection
// read loop.
const readBufSize = 64 * 1024

// MaxConnsPerListener bounds how many sockets a single listener will hold
// open concurrently, via golang.org/x/net/netutil.LimitListener. This is
// the Reactor's accept-path admission control; it has nothing to do with
// the mesh-level "no admission control" non-goal in spec.md §1, which is
// about the flooding protocol, not resource exhaustion at the socket layer.
const MaxConnsPerListener = 4096

// NetListener adapts a net.Listener to the reactor.Listener interface.
type NetListener struct {
	net.Listener
}

// NewNetListener binds addr over TCP and wraps it with a connection-count
// limit.
func NewNetListener(addr string) (*NetListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &NetListener{Listener: netutil.LimitListener(l, MaxConnsPerListener)}, nil
}

func (n *NetListener) Accept() (conn.Transport, string, error) {
	c, err := n.Listener.Accept()
	if err != nil {
		return nil, "", err
	}
	return c, c.RemoteAddr().String(), nil
}

func (n *NetListener) Addr() string {
	return n.Listener.Addr().String()
}

// RealPoller is the production Poller: one reader goroutine per registered
// connection, one accept goroutine per registered listener, fanned into a
// single shared events channel. This is the "OS primitive" implementation
// spec.md §9 asks for, expressed in idiomatic Go as goroutines-plus-channel
// rather than a literal epoll/kqueue wrapper — the Reactor that consumes
// Events() is still single-threaded.
type RealPoller struct {
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	stopConns map[uint64]chan struct{}
	stopLstns map[uint64]chan struct{}
	closed    bool
}

// NewRealPoller returns a RealPoller with the given event-channel buffer
// size.
func NewRealPoller(bufSize int) *RealPoller {
	return &RealPoller{
		events:    make(chan Event, bufSize),
		done:      make(chan struct{}),
		stopConns: make(map[uint64]chan struct{}),
		stopLstns: make(map[uint64]chan struct{}),
	}
}

func (p *RealPoller) Events() <-chan Event {
	return p.events
}

func (p *RealPoller) PushEvent(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *RealPoller) RegisterConnection(connID uint64, t conn.Transport) {
	stop := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.stopConns[connID] = stop
	p.mu.Unlock()

	go func() {
		buf := pool.Get(readBufSize)
		defer pool.Put(buf)
		for {
			n, err := t.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case p.events <- Event{Kind: EventReadable, ConnID: connID, Data: data}:
				case <-stop:
					return
				}
			}
			if err != nil {
				select {
				case p.events <- Event{Kind: EventConnClosed, ConnID: connID, Err: err}:
				case <-stop:
				}
				return
			}
		}
	}()
}

func (p *RealPoller) RegisterListener(listenerID uint64, l Listener) error {
	stop := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.stopLstns[listenerID] = stop
	p.mu.Unlock()

	go func() {
		for {
			t, remote, err := l.Accept()
			if err != nil {
				select {
				case p.events <- Event{Kind: EventListenerClosed, ListenerID: listenerID, Err: err}:
				case <-stop:
				}
				return
			}
			select {
			case p.events <- Event{Kind: EventAccepted, ListenerID: listenerID, Accepted: t, RemoteAddr: remote}:
			case <-stop:
				_ = t.Close()
				return
			}
		}
	}()
	return nil
}

func (p *RealPoller) Unregister(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop, ok := p.stopConns[id]; ok {
		close(stop)
		delete(p.stopConns, id)
	}
	if stop, ok := p.stopLstns[id]; ok {
		close(stop)
		delete(p.stopLstns, id)
	}
}

func (p *RealPoller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	for _, stop := range p.stopConns {
		close(stop)
	}
	for _, stop := range p.stopLstns {
		close(stop)
	}
}
