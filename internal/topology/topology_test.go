package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/jan-g/talkmesh/internal/mesh"
	"github.com/jan-g/talkmesh/internal/meshid"
	"github.com/jan-g/talkmesh/internal/reactor"
	"github.com/jan-g/talkmesh/internal/simnet"
)

// newTestServer builds a mesh.Server with an un-run Reactor. Broadcast,
// observer dispatch and timer registration are all plain synchronous calls
// that don't require the dispatch goroutine to be live, so these tests drive
// topology.Observer directly without a running event loop.
func newTestServer(t *testing.T) *mesh.Server {
	t.Helper()
	id, err := meshid.NewServerID()
	require.NoError(t, err)
	r := reactor.New(simnet.NewFakePoller(8), tmlog.NewNopLogger())
	return mesh.NewServer(id, r, tmlog.NewNopLogger(), nil, mesh.DefaultConfig())
}

func TestTopology_OnIAmRecordsDirectOriginOnly(t *testing.T) {
	s := newTestServer(t)
	o := Register(s, nil, time.Hour, time.Hour)

	direct, err := meshid.NewServerID()
	require.NoError(t, err)
	relayed, err := meshid.NewServerID()
	require.NoError(t, err)

	dgDirect := mesh.Datagram{ID: meshid.MessageID{Origin: direct, Counter: 1}, Type: mesh.TypeIAm}
	s.Observers().Notify(mesh.DeliveryContext{ArrivalPeer: &direct}, dgDirect)

	dgRelayed := mesh.Datagram{ID: meshid.MessageID{Origin: relayed, Counter: 1}, Type: mesh.TypeIAm}
	someOtherPeer := direct
	s.Observers().Notify(mesh.DeliveryContext{ArrivalPeer: &someOtherPeer}, dgRelayed)

	known := o.KnownServers()
	assert.Contains(t, known, direct)
	assert.NotContains(t, known, relayed)
}

func TestTopology_PeerSetVersionMonotonicity(t *testing.T) {
	s := newTestServer(t)
	o := Register(s, nil, time.Hour, time.Hour)

	origin, err := meshid.NewServerID()
	require.NoError(t, err)
	peerA, err := meshid.NewServerID()
	require.NoError(t, err)
	peerB, err := meshid.NewServerID()
	require.NoError(t, err)

	v1 := mesh.Datagram{ID: meshid.MessageID{Origin: origin, Counter: 1}, Type: mesh.TypePeerSet,
		Payload: encodePeerSet(5, []meshid.ServerID{peerA})}
	s.Observers().Notify(mesh.DeliveryContext{}, v1)
	assertRouteEntry(t, o, origin, 5, peerA)

	// An older version must not overwrite the newer one.
	stale := mesh.Datagram{ID: meshid.MessageID{Origin: origin, Counter: 2}, Type: mesh.TypePeerSet,
		Payload: encodePeerSet(3, []meshid.ServerID{peerB})}
	s.Observers().Notify(mesh.DeliveryContext{}, stale)
	assertRouteEntry(t, o, origin, 5, peerA)

	// A newer version replaces the peer set outright.
	v2 := mesh.Datagram{ID: meshid.MessageID{Origin: origin, Counter: 3}, Type: mesh.TypePeerSet,
		Payload: encodePeerSet(6, []meshid.ServerID{peerB})}
	s.Observers().Notify(mesh.DeliveryContext{}, v2)
	assertRouteEntry(t, o, origin, 6, peerB)
}

func assertRouteEntry(t *testing.T, o *Observer, origin meshid.ServerID, wantVersion int64, wantPeer meshid.ServerID) {
	t.Helper()
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.route[origin]
	require.True(t, ok)
	assert.Equal(t, wantVersion, entry.Version)
	_, has := entry.Peers[wantPeer]
	assert.True(t, has)
}

func TestTopology_ReachableIsTransitiveBFS(t *testing.T) {
	s := newTestServer(t)
	o := Register(s, nil, time.Hour, time.Hour)

	a, err := meshid.NewServerID()
	require.NoError(t, err)
	b, err := meshid.NewServerID()
	require.NoError(t, err)
	c, err := meshid.NewServerID()
	require.NoError(t, err)

	// local -> a -> b -> c, a line-shaped chain (spec.md §8 scenario 4's
	// shape, expressed directly against the RouteTable).
	s.Observers().Notify(mesh.DeliveryContext{}, mesh.Datagram{
		ID: meshid.MessageID{Origin: a, Counter: 1}, Type: mesh.TypePeerSet,
		Payload: encodePeerSet(1, []meshid.ServerID{b}),
	})
	s.Observers().Notify(mesh.DeliveryContext{}, mesh.Datagram{
		ID: meshid.MessageID{Origin: b, Counter: 1}, Type: mesh.TypePeerSet,
		Payload: encodePeerSet(1, []meshid.ServerID{c}),
	})

	// local itself must claim 'a' as a direct peer for the chain to be
	// reachable from local's own perspective.
	onLocalPeerSetChangedForTest(s, o, a)

	reachable := o.Reachable()
	assert.Contains(t, reachable, a)
	assert.Contains(t, reachable, b)
	assert.Contains(t, reachable, c)
}

// onLocalPeerSetChangedForTest exercises onLocalPeerSetChanged's code path
// by forcing a PeerLink up and back down is impractical without a live
// Reactor, so this drives the local RouteTable entry the same way
// onLocalPeerSetChanged does, directly, as an in-package test helper.
func onLocalPeerSetChangedForTest(s *mesh.Server, o *Observer, direct meshid.ServerID) {
	o.mu.Lock()
	o.route[s.LocalID()] = &PeerSetEntry{
		Peers:       map[meshid.ServerID]struct{}{direct: {}},
		Version:     1,
		LastRefresh: time.Now(),
	}
	o.mu.Unlock()
}

func TestTopology_PruneStaleRemovesOldEntriesNotLocal(t *testing.T) {
	s := newTestServer(t)
	o := Register(s, nil, time.Hour, time.Millisecond)

	stranger, err := meshid.NewServerID()
	require.NoError(t, err)
	o.mu.Lock()
	o.route[stranger] = &PeerSetEntry{Peers: map[meshid.ServerID]struct{}{}, Version: 0, LastRefresh: time.Now().Add(-time.Hour)}
	o.mu.Unlock()

	o.pruneStale()

	known := o.KnownServers()
	assert.NotContains(t, known, stranger)
	assert.Contains(t, known, s.LocalID())
}
