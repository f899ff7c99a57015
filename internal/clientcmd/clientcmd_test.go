package clientcmd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/jan-g/talkmesh/internal/conn"
	"github.com/jan-g/talkmesh/internal/mesh"
	"github.com/jan-g/talkmesh/internal/meshid"
	"github.com/jan-g/talkmesh/internal/reactor"
	"github.com/jan-g/talkmesh/internal/simnet"
	"github.com/jan-g/talkmesh/internal/speech"
)

// newTestClient builds a ClientHandle backed by a FakeConn pair; readLine
// drains whatever the server side wrote, per spec.md §4.A's CRLF framing.
func newTestClient(t *testing.T, r *reactor.Reactor) (*mesh.ClientHandle, *simnet.FakeConn) {
	t.Helper()
	serverSide, driverSide := simnet.NewFakePair("server", "driver")
	c := r.AddConnection(conn.RoleClient, "fake://client", serverSide, 0, 0, nil, nil)
	return &mesh.ClientHandle{Conn: c, Name: "anon"}, driverSide
}

func readLine(t *testing.T, fc *simnet.FakeConn) string {
	t.Helper()
	buf := make([]byte, 4096)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, _ := fc.Read(buf)
		if n > 0 {
			return strings.TrimRight(string(buf[:n]), "\r\n")
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "timed out waiting for a line")
	return ""
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *mesh.Server) {
	t.Helper()
	id, err := meshid.NewServerID()
	require.NoError(t, err)
	r := reactor.New(simnet.NewFakePoller(8), tmlog.NewNopLogger())
	server := mesh.NewServer(id, r, tmlog.NewNopLogger(), nil, mesh.DefaultConfig())
	sp := speech.Register(server)
	return New(server, sp), server
}

func TestClientCmd_PlainLineIsSpoken(t *testing.T) {
	d, server := newTestDispatcher(t)
	h, _ := newTestClient(t, server.Reactor())

	var heard string
	server.Observers().Subscribe(mesh.TypeSpeech, func(_ mesh.DeliveryContext, dg mesh.Datagram) {
		_, utterance, ok := speech.DecodePayload(dg.Payload)
		if ok {
			heard = utterance
		}
	})

	d.Handle(server, h, []byte("hello there"))
	assert.Equal(t, "hello there", heard)
}

func TestClientCmd_UnknownCommandReportsError(t *testing.T) {
	d, server := newTestDispatcher(t)
	h, driver := newTestClient(t, server.Reactor())

	d.Handle(server, h, []byte("/frobnicate"))
	line := readLine(t, driver)
	assert.Equal(t, "ERR unknown-command /frobnicate", line)
}

func TestClientCmd_NameUpdatesHandleNotBroadcast(t *testing.T) {
	d, server := newTestDispatcher(t)
	h, _ := newTestClient(t, server.Reactor())

	spoken := false
	server.Observers().Subscribe(mesh.TypeSpeech, func(mesh.DeliveryContext, mesh.Datagram) { spoken = true })

	d.Handle(server, h, []byte("/name carol"))
	assert.Equal(t, "carol", h.Name)
	assert.False(t, spoken, "/name must not be broadcast as speech")
}

func TestClientCmd_NameRejectsWrongArgCount(t *testing.T) {
	d, server := newTestDispatcher(t)
	h, driver := newTestClient(t, server.Reactor())

	d.Handle(server, h, []byte("/name"))
	line := readLine(t, driver)
	assert.Equal(t, "ERR bad-args /name <nick>", line)
	assert.Equal(t, "anon", h.Name)
}

func TestClientCmd_PeersWithNoPeersWritesNothing(t *testing.T) {
	d, server := newTestDispatcher(t)
	h, driver := newTestClient(t, server.Reactor())
	_ = driver

	d.Handle(server, h, []byte("/peers"))
	// No peers yet: nothing should be enqueued. Follow up with a known
	// command to prove the connection is still responsive.
	d.Handle(server, h, []byte("/frobnicate"))
	line := readLine(t, driver)
	assert.Equal(t, "ERR unknown-command /frobnicate", line)
}

func TestClientCmd_PeerConnectRejectsBadArgs(t *testing.T) {
	d, server := newTestDispatcher(t)
	h, driver := newTestClient(t, server.Reactor())

	d.Handle(server, h, []byte("/peer-connect not-a-port"))
	line := readLine(t, driver)
	assert.Equal(t, "ERR bad-args /peer-connect <host> <port>", line)
}

func TestClientCmd_PeerDisconnectUnknownID(t *testing.T) {
	d, server := newTestDispatcher(t)
	h, driver := newTestClient(t, server.Reactor())

	unknown, err := meshid.NewServerID()
	require.NoError(t, err)
	d.Handle(server, h, []byte("/peer-disconnect "+unknown.String()))
	line := readLine(t, driver)
	assert.Equal(t, "ERR no-such-peer "+unknown.String(), line)
}
