package mesh

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/jan-g/talkmesh/internal/conn"
	"github.com/jan-g/talkmesh/internal/framing"
	"github.com/jan-g/talkmesh/internal/meshid"
	"github.com/jan-g/talkmesh/internal/metrics"
	"github.com/jan-g/talkmesh/internal/reactor"
	"github.com/jan-g/talkmesh/internal/tmsync"
)

// Config holds the MeshServer tunables named across spec.md §4–§5.
type Config struct {
	ProtocolVersion  int
	HandshakeTimeout time.Duration
	DrainGrace       time.Duration
	MaxRecordSize    int
	SeenSetCapacity  int
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:  1,
		HandshakeTimeout: 5 * time.Second,
		DrainGrace:       conn.DefaultDrainGrace,
		MaxRecordSize:    framing.DefaultMaxRecordSize,
		SeenSetCapacity:  DefaultSeenSetCapacity,
	}
}

// ClientHandle is a local client Connection plus its speaker display name,
// per spec.md §4.H / §6.
type ClientHandle struct {
	Conn *conn.Connection
	Name string
}

// PeerInfo is one entry of Server.Peers(), per spec.md §4.F's peers().
type PeerInfo struct {
	ID         meshid.ServerID
	RemoteAddr string
}

// PeerChangeFunc is called whenever the local direct-peer set changes
// (a PeerLink reaches UP, or a PeerLink closes), per spec.md §4.I's
// PEER-SET-broadcast trigger. It runs on the Reactor's dispatch goroutine.
type PeerChangeFunc func()

// Server is spec.md §4.F's MeshServer: the central hub owning PeerLinks,
// local clients, the SeenSet and the ObserverRegistry.
type Server struct {
	localID meshid.ServerID
	reactor *reactor.Reactor
	logger  tmlog.Logger
	metrics *metrics.Metrics
	cfg     Config

	observers *ObserverRegistry
	seen      *SeenSet
	counter   meshid.Counter

	peerLinks map[uint64]*PeerLink         // by Connection ID, Reactor-thread-only
	clients   map[uint64]*ClientHandle     // by Connection ID, Reactor-thread-only

	peerChangeHooks []PeerChangeFunc

	// peersByID and its guarding mutex are the one piece of MeshServer
	// state read off the Reactor thread, by the debug server's /status and
	// /peers snapshots. Every other field here is touched only from the
	// Reactor's single dispatch goroutine, per spec.md §3's "a Connection
	// may only be mutated from the Reactor thread" and its corollary for
	// MeshServer state.
	mu        tmsync.RWMutex
	peersByID map[meshid.ServerID]*PeerLink // UP only
}

// NewServer constructs a Server. r must not yet be running.
func NewServer(localID meshid.ServerID, r *reactor.Reactor, logger tmlog.Logger, m *metrics.Metrics, cfg Config) *Server {
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Server{
		localID:   localID,
		reactor:   r,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		observers: NewObserverRegistry(logger),
		seen:      NewSeenSet(cfg.SeenSetCapacity),
		peerLinks: make(map[uint64]*PeerLink),
		peersByID: make(map[meshid.ServerID]*PeerLink),
		clients:   make(map[uint64]*ClientHandle),
	}
}

// LocalID returns this server's own ServerID.
func (s *Server) LocalID() meshid.ServerID { return s.localID }

// Observers exposes the ObserverRegistry so packages like speech and
// topology can Subscribe to datagram types.
func (s *Server) Observers() *ObserverRegistry { return s.observers }

// Logger returns the server's logger, for subscribers that want consistent
// key-value logging.
func (s *Server) Logger() tmlog.Logger { return s.logger }

// Reactor exposes the underlying Reactor, for subscribers that need to arm
// their own timers (e.g. topology's periodic PEER-SET refresh).
func (s *Server) Reactor() *reactor.Reactor { return s.reactor }

// OnPeerSetChanged registers cb to run after every direct-peer-set change.
func (s *Server) OnPeerSetChanged(cb PeerChangeFunc) {
	s.peerChangeHooks = append(s.peerChangeHooks, cb)
}

func (s *Server) firePeerSetChanged() {
	for _, cb := range s.peerChangeHooks {
		cb()
	}
}

// ---- Peer lifecycle: spec.md §4.F add_peer_listener / connect_peer ----

// AddPeerListener opens a peer listening socket at addr.
func (s *Server) AddPeerListener(addr string) (uint64, error) {
	l, err := reactor.NewNetListener(addr)
	if err != nil {
		return 0, errors.Wrap(err, "peer listen")
	}
	return s.reactor.AddListener(l, func(r *reactor.Reactor, listenerID uint64, t conn.Transport, remoteAddr string) {
		s.newPeerLink(t, remoteAddr, false)
	})
}

// ConnectPeer dials an outbound PeerLink to addr. The dial runs off the
// Reactor's dispatch goroutine — per spec.md §5 no handler may block on
// I/O, and a slow or unreachable peer can hold net.Dial open for the OS
// connect timeout — so newPeerLink only runs once Reactor.Dial reports a
// transport back on the dispatch goroutine via EventDialResult.
func (s *Server) ConnectPeer(addr string) {
	s.reactor.Dial(addr, func(t conn.Transport, err error) {
		if err != nil {
			s.logger.Info("peer connect failed", "addr", addr, "err", err)
			return
		}
		s.newPeerLink(t, addr, true)
	})
}

// DisconnectPeer closes the UP PeerLink to id, if any. This backs the
// supplemented /peer-disconnect client command (SPEC_FULL.md).
func (s *Server) DisconnectPeer(id meshid.ServerID) bool {
	pl, ok := s.lookupPeerByID(id)
	if !ok {
		return false
	}
	pl.closeWith(conn.CloseReason{Code: conn.ReasonShutdown})
	return true
}

// Peers returns a snapshot of direct UP peers' ServerIds, sorted for a
// stable /peers answer.
func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]PeerInfo, 0, len(s.peersByID))
	for id, pl := range s.peersByID {
		infos = append(infos, PeerInfo{ID: id, RemoteAddr: pl.RemoteAddr()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID.String() < infos[j].ID.String() })
	return infos
}

// lookupPeerByID reads peersByID on the Reactor thread itself
// (PeerLink.transitionUp's duplicate check, DisconnectPeer); it still goes
// through the mutex since the map is also read concurrently by the debug
// server via Peers().
func (s *Server) lookupPeerByID(id meshid.ServerID) (*PeerLink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pl, ok := s.peersByID[id]
	return pl, ok
}

func (s *Server) onPeerUp(pl *PeerLink) {
	s.mu.Lock()
	s.peersByID[pl.remoteID] = pl
	n := len(s.peersByID)
	s.mu.Unlock()
	s.metrics.Peers.Set(float64(n))
	s.logger.Info("peer up", "remote", pl.remoteID.Short(), "addr", pl.remoteAddr, "outbound", pl.outbound)
	s.UnicastToPeer(pl, TypeIAm, nil)
	s.firePeerSetChanged()
}

func (s *Server) onPeerClosed(pl *PeerLink, reason conn.CloseReason) {
	delete(s.peerLinks, pl.conn.ID)
	wasUp := pl.state == PeerUp
	pl.state = PeerClosed
	s.logger.Info("peer link closed", "remote", pl.remoteAddrOrID(), "reason", reason.Code, "cause", reason.Cause)
	if wasUp {
		s.mu.Lock()
		if cur, ok := s.peersByID[pl.remoteID]; ok && cur == pl {
			delete(s.peersByID, pl.remoteID)
		}
		n := len(s.peersByID)
		s.mu.Unlock()
		s.metrics.Peers.Set(float64(n))
		s.firePeerSetChanged()
	}
}

// ---- Broadcast / unicast / receive: spec.md §4.F ----

// Broadcast allocates a fresh MessageId, notifies local observers
// synchronously, then enqueues the encoded datagram on every UP PeerLink.
// Per spec.md §4.H/§8 invariant 6, local notification happens strictly
// before any peer ever sees the datagram.
func (s *Server) Broadcast(typ string, payload []byte, ttl *int, recipient *meshid.ServerID) Datagram {
	id := meshid.MessageID{Origin: s.localID, Counter: s.counter.Next()}
	dg := Datagram{ID: id, Type: typ, TTL: ttl, Recipient: recipient, Payload: payload}
	s.seen.Insert(id)
	s.metrics.SeenSetSize.Set(float64(s.seen.Len()))
	s.metrics.BroadcastsSent.Add(1)

	s.observers.Notify(DeliveryContext{}, dg)
	s.forwardTo(dg, 0)
	return dg
}

// UnicastToPeer sends a datagram on exactly one link, per spec.md §4.F,
// tagged with a fresh MessageId recorded in SeenSet so a received echo
// does not re-trigger observers.
func (s *Server) UnicastToPeer(pl *PeerLink, typ string, payload []byte) Datagram {
	id := meshid.MessageID{Origin: s.localID, Counter: s.counter.Next()}
	dg := Datagram{ID: id, Type: typ, Payload: payload}
	s.seen.Insert(id)
	s.metrics.SeenSetSize.Set(float64(s.seen.Len()))
	pl.send(dg)
	return dg
}

// onPeerRecord is the receive path of spec.md §4.F: dedup, conditional
// forward, then observer notification.
func (s *Server) onPeerRecord(pl *PeerLink, dg Datagram) {
	if !s.seen.Insert(dg.ID) {
		s.metrics.DatagramsDropped.Add(1)
		return
	}
	s.metrics.SeenSetSize.Set(float64(s.seen.Len()))

	forward := true
	if dg.TTL != nil {
		if *dg.TTL == 0 {
			forward = false
		} else {
			n := *dg.TTL - 1
			dg.TTL = &n
		}
	}
	if forward {
		s.forwardTo(dg, pl.conn.ID)
		s.metrics.DatagramsForwarded.Add(1)
	}

	remote := pl.remoteID
	s.observers.Notify(DeliveryContext{ArrivalPeer: &remote}, dg)
}

// forwardTo enqueues dg's encoding on every UP PeerLink other than the one
// whose Connection ID is excludeConnID — spec.md §4.F's split-horizon rule.
func (s *Server) forwardTo(dg Datagram, excludeConnID uint64) {
	encoded := dg.Encode()
	for connID, pl := range s.peerLinks {
		if pl.state != PeerUp || connID == excludeConnID {
			continue
		}
		pl.conn.Enqueue(encoded)
	}
}

// ---- Client lifecycle ----

// AddClientListener opens a client listening socket at addr. Accepted
// connections get a ClientHandle with the default anon-<short-id> name and
// have their records delivered to onLine (typically clientcmd's
// Dispatcher.Handle).
func (s *Server) AddClientListener(addr string, onLine func(s *Server, h *ClientHandle, line []byte)) (uint64, error) {
	l, err := reactor.NewNetListener(addr)
	if err != nil {
		return 0, errors.Wrap(err, "client listen")
	}
	return s.reactor.AddListener(l, func(r *reactor.Reactor, listenerID uint64, t conn.Transport, remoteAddr string) {
		s.newClient(t, remoteAddr, onLine)
	})
}

func (s *Server) newClient(t conn.Transport, remoteAddr string, onLine func(s *Server, h *ClientHandle, line []byte)) *ClientHandle {
	h := &ClientHandle{}
	c := s.reactor.AddConnection(conn.RoleClient, remoteAddr, t, s.cfg.MaxRecordSize, s.cfg.DrainGrace,
		func(c *conn.Connection, record []byte) {
			onLine(s, h, record)
		},
		func(conn.CloseReason) {
			delete(s.clients, c.ID)
		},
	)
	h.Conn = c
	h.Name = fmt.Sprintf("anon-%x", c.ID)
	s.clients[c.ID] = h
	return h
}

// Clients returns every currently-connected local client handle, for
// SpeechObserver's fanout.
func (s *Server) Clients() []*ClientHandle {
	out := make([]*ClientHandle, 0, len(s.clients))
	for _, h := range s.clients {
		out = append(out, h)
	}
	return out
}
