// Package debugserver exposes a read-only HTTP surface over a running
// mesh.Server and topology.Observer: JSON /status and /peers snapshots, a
// Prometheus /metrics scrape endpoint, and a /ws feed of locally-seen
// speech. It mirrors the teacher's rpc/core convention of small typed
// result structs returned from simple handlers, not a generic RPC
// dispatcher, since spec.md §7 only asks for inspection, not control.
package debugserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/jan-g/talkmesh/internal/mesh"
	"github.com/jan-g/talkmesh/internal/metrics"
	"github.com/jan-g/talkmesh/internal/speech"
	"github.com/jan-g/talkmesh/internal/topology"
)

// Server is the debug HTTP surface. It holds no Reactor-thread state of its
// own; every handler reads through mesh.Server/topology.Observer's own
// locking (see internal/tmsync) since handlers run on net/http's own
// goroutines, not the Reactor's dispatch goroutine.
type Server struct {
	mesh    *mesh.Server
	topo    *topology.Observer
	metrics *metrics.Metrics
	logger  tmlog.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*wsSub]struct{}
}

type wsSub struct {
	conn *websocket.Conn
	send chan []byte
}

// StatusResult is the /status response shape.
type StatusResult struct {
	LocalID          string   `json:"local_id"`
	LocalGraphLabel  string   `json:"local_graph_label"`
	DirectPeerCount  int      `json:"direct_peer_count"`
	ReachableCount   int      `json:"reachable_count"`
	KnownServerCount int      `json:"known_server_count"`
	RecordsPerSecond float64  `json:"records_per_second"`
	Reachable        []string `json:"reachable"`
	// ReachableGraphLabels gives each reachable server a short label for a
	// compact peer-graph diagram, in the same order as Reachable.
	ReachableGraphLabels []string `json:"reachable_graph_labels"`
}

// PeerResult is one entry in the /peers response.
type PeerResult struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remote_addr"`
}

// New builds a debug Server over the given mesh.Server and
// topology.Observer. A nil topo disables the topology fields of /status (a
// deployment that never calls topology.Register still gets /peers and
// /metrics).
func New(m *mesh.Server, topo *topology.Observer, mt *metrics.Metrics, sp *speech.Observer, logger tmlog.Logger) *Server {
	if mt == nil {
		mt = metrics.NopMetrics()
	}
	s := &Server{
		mesh:    m,
		topo:    topo,
		metrics: mt,
		logger:  logger,
		subs:    make(map[*wsSub]struct{}),
	}
	if sp != nil {
		sp.OnSpeech(s.broadcastSpeech)
	}
	return s
}

// Handler returns the http.Handler to mount, wrapped in a permissive
// rs/cors policy: this is a read-only diagnostic surface, not one that
// mutates state, so an open CORS policy matches spec.md §7's "any browser
// may load it" framing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	return cors.AllowAll().Handler(mux)
}

// ListenAndServe starts serving Handler() on addr. It blocks and is meant
// to be run in its own goroutine by the caller; it never touches the
// Reactor.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result := StatusResult{
		LocalID:          s.mesh.LocalID().String(),
		LocalGraphLabel:  s.mesh.LocalID().GraphLabel(),
		DirectPeerCount:  len(s.mesh.Peers()),
		RecordsPerSecond: s.metrics.RecordsPerSecond(),
	}
	if s.topo != nil {
		reachable := s.topo.Reachable()
		result.ReachableCount = len(reachable)
		result.KnownServerCount = len(s.topo.KnownServers())
		for id := range reachable {
			result.Reachable = append(result.Reachable, id.String())
			result.ReachableGraphLabels = append(result.ReachableGraphLabels, id.GraphLabel())
		}
	}
	writeJSON(w, result)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.mesh.Peers()
	results := make([]PeerResult, 0, len(peers))
	for _, p := range peers {
		results = append(results, PeerResult{ID: p.ID.String(), RemoteAddr: p.RemoteAddr})
	}
	writeJSON(w, results)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("debugserver: ws upgrade failed", "err", err)
		return
	}
	sub := &wsSub{conn: c, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go s.pump(sub)
	go s.drainReads(sub)
}

// pump writes queued lines to the websocket until send is closed.
func (s *Server) pump(sub *wsSub) {
	defer sub.conn.Close()
	for line := range sub.send {
		if err := sub.conn.WriteMessage(websocket.TextMessage, line); err != nil {
			s.removeSub(sub)
			return
		}
	}
}

// drainReads discards inbound frames (this feed is one-way) and removes the
// subscriber once the client disconnects.
func (s *Server) drainReads(sub *wsSub) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			s.removeSub(sub)
			return
		}
	}
}

func (s *Server) removeSub(sub *wsSub) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.send)
	}
	s.mu.Unlock()
}

// broadcastSpeech fans a formatted line out to every connected /ws
// subscriber. Invoked from speech.Observer's onSpeech, which runs on the
// Reactor thread; it must not block it, so a full subscriber is dropped
// rather than waited on.
func (s *Server) broadcastSpeech(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.send <- []byte(line):
		default:
			s.logger.Error("debugserver: dropping slow ws subscriber")
		}
	}
}
