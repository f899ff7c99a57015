// Package topology implements spec.md §4.I's TopologyObserver: the
// replicated RouteTable built from I-AM and PEER-SET datagrams, and the
// BFS reachability computation over it.
package topology

import (
	"fmt"
	"sort"
	"time"

	"github.com/minio/highwayhash"

	"github.com/jan-g/talkmesh/encoding"
	"github.com/jan-g/talkmesh/internal/mesh"
	"github.com/jan-g/talkmesh/internal/meshid"
	"github.com/jan-g/talkmesh/internal/metrics"
	"github.com/jan-g/talkmesh/internal/tmsync"
)

// DefaultRefreshInterval is spec.md §4.I's default periodic PEER-SET
// refresh cadence.
const DefaultRefreshInterval = 30 * time.Second

// DefaultStaleTTL is spec.md §4.I's default prune TTL for a RouteTable
// entry that has gone without a refresh.
const DefaultStaleTTL = 5 * time.Minute

var hashKey = make([]byte, 32) // fixed zero key: fingerprint is a diagnostic correlation tag, not a MAC.

// PeerSetEntry is spec.md §3's RouteTable value: one origin's claimed
// direct peers at a given Lamport version.
type PeerSetEntry struct {
	Peers       map[meshid.ServerID]struct{}
	Version     int64
	LastRefresh time.Time
}

// Observer is spec.md §4.I's TopologyObserver.
type Observer struct {
	server  *mesh.Server
	metrics *metrics.Metrics

	refreshInterval time.Duration
	staleTTL        time.Duration
	localVersion    int64

	// mu guards route: every mutation happens on the Reactor thread, but
	// the debug server's /status snapshot reads Reachable/KnownServers
	// from its own HTTP goroutine.
	mu    tmsync.RWMutex
	route map[meshid.ServerID]*PeerSetEntry
}

// Register subscribes a new Observer to I-AM and PEER-SET on server, arms
// the periodic refresh and stale-prune timers, and returns it. A
// refreshInterval or staleTTL <= 0 selects the package default.
func Register(server *mesh.Server, m *metrics.Metrics, refreshInterval, staleTTL time.Duration) *Observer {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	o := &Observer{
		server:          server,
		metrics:         m,
		refreshInterval: refreshInterval,
		staleTTL:        staleTTL,
		route:           make(map[meshid.ServerID]*PeerSetEntry),
	}
	o.route[server.LocalID()] = &PeerSetEntry{Peers: map[meshid.ServerID]struct{}{}, Version: 0, LastRefresh: time.Now()}

	server.Observers().Subscribe(mesh.TypeIAm, o.onIAm)
	server.Observers().Subscribe(mesh.TypePeerSet, o.onPeerSet)
	server.OnPeerSetChanged(o.onLocalPeerSetChanged)
	server.Reactor().Every(refreshInterval, func(time.Time) { o.broadcastPeerSet() })
	server.Reactor().Every(staleTTL/5, func(time.Time) { o.pruneStale() })
	return o
}

// onIAm bootstraps discovery per spec.md §4.I: only a datagram received
// directly from its own origin (the first hop, not a relay further out)
// asserts that the origin is a direct neighbor.
func (o *Observer) onIAm(ctx mesh.DeliveryContext, dg mesh.Datagram) {
	if ctx.ArrivalPeer == nil || *ctx.ArrivalPeer != dg.ID.Origin {
		return
	}
	o.mu.Lock()
	if _, ok := o.route[dg.ID.Origin]; !ok {
		o.route[dg.ID.Origin] = &PeerSetEntry{Peers: map[meshid.ServerID]struct{}{}, Version: -1, LastRefresh: time.Now()}
	}
	o.mu.Unlock()
	o.metrics.KnownServers.Set(float64(len(o.Reachable())))
}

// onLocalPeerSetChanged fires whenever a local PeerLink reaches UP or
// closes, per spec.md §4.I's PEER-SET broadcast triggers.
func (o *Observer) onLocalPeerSetChanged() {
	o.localVersion++
	peers := o.server.Peers()
	ids := make(map[meshid.ServerID]struct{}, len(peers))
	for _, p := range peers {
		ids[p.ID] = struct{}{}
	}
	o.mu.Lock()
	o.route[o.server.LocalID()] = &PeerSetEntry{Peers: ids, Version: o.localVersion, LastRefresh: time.Now()}
	o.mu.Unlock()
	o.broadcastPeerSet()
}

func (o *Observer) broadcastPeerSet() {
	o.mu.RLock()
	entry := o.route[o.server.LocalID()]
	ids := make([]meshid.ServerID, 0, len(entry.Peers))
	for id := range entry.Peers {
		ids = append(ids, id)
	}
	version := entry.Version
	o.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	payload := encodePeerSet(version, ids)
	o.server.Broadcast(mesh.TypePeerSet, payload, nil, nil)
}

// onPeerSet applies spec.md §4.I's version-monotonicity rule.
func (o *Observer) onPeerSet(_ mesh.DeliveryContext, dg mesh.Datagram) {
	version, peers, ok := decodePeerSet(dg.Payload)
	if !ok {
		o.server.Logger().Error("topology: malformed PEER-SET payload", "id", dg.ID.String())
		return
	}
	origin := dg.ID.Origin

	o.mu.Lock()
	defer o.mu.Unlock()
	existing, has := o.route[origin]

	if has && version < existing.Version {
		return
	}
	if has && version == existing.Version {
		if !samePeerSet(existing.Peers, peers) {
			o.server.Logger().Error("topology: VERSION_COLLISION", "origin", origin.Short(), "version", version, "fingerprint", fingerprint(dg.Payload))
		}
		existing.LastRefresh = time.Now()
		return
	}

	peerSet := make(map[meshid.ServerID]struct{}, len(peers))
	for _, p := range peers {
		peerSet[p] = struct{}{}
	}
	o.route[origin] = &PeerSetEntry{Peers: peerSet, Version: version, LastRefresh: time.Now()}
	o.metrics.KnownServers.Set(float64(len(o.reachableLocked())))
}

func (o *Observer) pruneStale() {
	local := o.server.LocalID()
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, e := range o.route {
		if id == local {
			continue
		}
		if now.Sub(e.LastRefresh) > o.staleTTL {
			delete(o.route, id)
		}
	}
}

// Reachable computes spec.md §4.I's reachable set: BFS over RouteTable
// from the local id, following peer edges.
func (o *Observer) Reachable() map[meshid.ServerID]struct{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.reachableLocked()
}

func (o *Observer) reachableLocked() map[meshid.ServerID]struct{} {
	local := o.server.LocalID()
	visited := map[meshid.ServerID]struct{}{local: {}}
	queue := []meshid.ServerID{local}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		entry, ok := o.route[cur]
		if !ok {
			continue
		}
		for peer := range entry.Peers {
			if _, seen := visited[peer]; !seen {
				visited[peer] = struct{}{}
				queue = append(queue, peer)
			}
		}
	}
	return visited
}

// KnownServers returns every ServerID currently held in the RouteTable,
// reachable or stale.
func (o *Observer) KnownServers() []meshid.ServerID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]meshid.ServerID, 0, len(o.route))
	for id := range o.route {
		ids = append(ids, id)
	}
	return ids
}

func samePeerSet(a map[meshid.ServerID]struct{}, b []meshid.ServerID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range b {
		if _, ok := a[id]; !ok {
			return false
		}
	}
	return true
}

func fingerprint(payload []byte) string {
	h, err := highwayhash.New64(hashKey)
	if err != nil {
		return "err"
	}
	h.Write(payload)
	return fmt.Sprintf("%016x", h.Sum64())
}

func encodePeerSet(version int64, peers []meshid.ServerID) []byte {
	buf := make([]byte, 0, 8+16*len(peers))
	buf = append(buf, encoding.Int64(version).Encode()...)
	for _, p := range peers {
		buf = append(buf, p[:]...)
	}
	return buf
}

func decodePeerSet(payload []byte) (version int64, peers []meshid.ServerID, ok bool) {
	if len(payload) < 8 || (len(payload)-8)%16 != 0 {
		return 0, nil, false
	}
	version = int64(encoding.Int64(0).Decode(payload[:8]).(encoding.Int64))
	rest := payload[8:]
	for i := 0; i+16 <= len(rest); i += 16 {
		var id meshid.ServerID
		copy(id[:], rest[i:i+16])
		peers = append(peers, id)
	}
	return version, peers, true
}
