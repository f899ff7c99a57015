package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/jan-g/talkmesh/internal/meshid"
	"github.com/jan-g/talkmesh/internal/reactor"
	"github.com/jan-g/talkmesh/internal/simnet"
)

// testNode bundles a Server with the FakePoller driving its Reactor, so a
// test can inject bytes deterministically instead of relying on real socket
// scheduling, per spec.md §9's determinism harness. Subscriptions must be
// registered via setup before the Reactor's dispatch goroutine starts,
// since ObserverRegistry is Reactor-thread-only once Run is underway.
type testNode struct {
	server *Server
	poller *simnet.FakePoller
	r      *reactor.Reactor
}

func newTestNode(t *testing.T, setup func(*Server)) *testNode {
	t.Helper()
	id, err := meshid.NewServerID()
	require.NoError(t, err)
	poller := simnet.NewFakePoller(64)
	logger := tmlog.NewNopLogger()
	r := reactor.New(poller, logger, reactor.WithPollTimeout(10*time.Millisecond))
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = time.Second
	server := NewServer(id, r, logger, nil, cfg)

	if setup != nil {
		setup(server)
	}

	go r.Run()
	t.Cleanup(r.Stop)

	return &testNode{server: server, poller: poller, r: r}
}

// pumpUntil repeatedly drains connID's inbound pipe into the Reactor until
// stop fires, simulating the background reader goroutine RealPoller would
// normally provide.
func pumpUntil(t *testing.T, poller *simnet.FakePoller, connID uint64, stop <-chan struct{}) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				poller.Deliver(connID, -1)
			}
		}
	}()
}

func connectNodes(t *testing.T, a, b *testNode) (aLink, bLink *PeerLink) {
	t.Helper()
	fa, fb := simnet.NewFakePair("a-side", "b-side")

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	aLink = a.server.newPeerLink(fa, "fake://b", true)
	bLink = b.server.newPeerLink(fb, "fake://a", false)

	pumpUntil(t, a.poller, aLink.conn.ID, stop)
	pumpUntil(t, b.poller, bLink.conn.ID, stop)

	require.Eventually(t, func() bool {
		return aLink.State() == PeerUp && bLink.State() == PeerUp
	}, time.Second, time.Millisecond, "handshake should complete")

	return aLink, bLink
}

func TestMesh_HandshakeBringsBothLinksUp(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	aLink, bLink := connectNodes(t, a, b)

	assert.Equal(t, b.server.LocalID(), aLink.RemoteID())
	assert.Equal(t, a.server.LocalID(), bLink.RemoteID())
	assert.Len(t, a.server.Peers(), 1)
	assert.Len(t, b.server.Peers(), 1)
}

func TestMesh_SpeechFloodsToRemoteObserver(t *testing.T) {
	received := make(chan string, 1)
	b := newTestNode(t, func(s *Server) {
		s.Observers().Subscribe(TypeSpeech, func(_ DeliveryContext, dg Datagram) {
			received <- string(dg.Payload)
		})
	})
	a := newTestNode(t, nil)
	connectNodes(t, a, b)

	a.server.Broadcast(TypeSpeech, []byte("hello from a"), nil, nil)

	select {
	case line := <-received:
		assert.Equal(t, "hello from a", line)
	case <-time.After(time.Second):
		t.Fatal("b never observed the flooded SPEECH datagram")
	}
}

func TestMesh_SelfConnectIsRejected(t *testing.T) {
	a := newTestNode(t, nil)
	fa, fb := simnet.NewFakePair("a1", "a2")

	stop := make(chan struct{})
	defer close(stop)

	// Both ends of this loopback pair belong to the same server, so each
	// HELLO necessarily carries a's own ServerId: exactly the self-connect
	// scenario spec.md §4.E requires rejecting.
	link1 := a.server.newPeerLink(fa, "fake://self1", true)
	link2 := a.server.newPeerLink(fb, "fake://self2", false)
	pumpUntil(t, a.poller, link1.conn.ID, stop)
	pumpUntil(t, a.poller, link2.conn.ID, stop)

	require.Eventually(t, func() bool {
		return link1.State() == PeerClosed && link2.State() == PeerClosed
	}, time.Second, time.Millisecond, "a self-loop must be rejected on both ends, never left half-open")
}

func TestMesh_DuplicatePeerRejected(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)

	// b dials a twice concurrently (spec.md §8 scenario 5): both pairs
	// present the same two remote ServerIDs to each other.
	fa1, fb1 := simnet.NewFakePair("a1", "b1")
	fa2, fb2 := simnet.NewFakePair("a2", "b2")

	stop := make(chan struct{})
	defer close(stop)

	aLink1 := a.server.newPeerLink(fa1, "fake://b1", false)
	bLink1 := b.server.newPeerLink(fb1, "fake://a1", true)
	aLink2 := a.server.newPeerLink(fa2, "fake://b2", false)
	bLink2 := b.server.newPeerLink(fb2, "fake://a2", true)

	pumpUntil(t, a.poller, aLink1.conn.ID, stop)
	pumpUntil(t, b.poller, bLink1.conn.ID, stop)
	pumpUntil(t, a.poller, aLink2.conn.ID, stop)
	pumpUntil(t, b.poller, bLink2.conn.ID, stop)

	require.Eventually(t, func() bool {
		upOnA := (aLink1.State() == PeerUp) != (aLink2.State() == PeerUp)
		upOnB := (bLink1.State() == PeerUp) != (bLink2.State() == PeerUp)
		return upOnA && upOnB
	}, time.Second, time.Millisecond, "exactly one of each duplicate pair should reach UP")
}
