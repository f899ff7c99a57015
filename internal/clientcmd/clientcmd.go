// Package clientcmd parses a client connection's inbound lines into
// utterances and slash commands, per spec.md §6's client wire protocol.
package clientcmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jan-g/talkmesh/internal/conn"
	"github.com/jan-g/talkmesh/internal/mesh"
	"github.com/jan-g/talkmesh/internal/meshid"
	"github.com/jan-g/talkmesh/internal/speech"
)

// Dispatcher wires a Server and its SpeechObserver to a ClientHandle's
// record stream.
type Dispatcher struct {
	server *mesh.Server
	speech *speech.Observer
}

// New returns a Dispatcher ready for Handle.
func New(server *mesh.Server, sp *speech.Observer) *Dispatcher {
	return &Dispatcher{server: server, speech: sp}
}

// Handle processes one inbound line from h, per spec.md §6's command table.
func (d *Dispatcher) Handle(_ *mesh.Server, h *mesh.ClientHandle, line []byte) {
	text := string(line)
	if !strings.HasPrefix(text, "/") {
		d.speech.Say(h.Name, text)
		return
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/peer-listen":
		d.peerListen(h, args)
	case "/peer-connect":
		d.peerConnect(h, args)
	case "/peer-disconnect":
		d.peerDisconnect(h, args)
	case "/peers":
		d.peers(h)
	case "/name":
		d.name(h, args)
	case "/quit":
		d.quit(h)
	default:
		d.errf(h, "unknown-command", cmd)
	}
}

func (d *Dispatcher) errf(h *mesh.ClientHandle, code, detail string) {
	h.Conn.Enqueue([]byte(fmt.Sprintf("ERR %s %s", code, detail)))
}

func hostPort(args []string) (string, bool) {
	if len(args) != 2 {
		return "", false
	}
	if _, err := strconv.Atoi(args[1]); err != nil {
		return "", false
	}
	return args[0] + ":" + args[1], true
}

func (d *Dispatcher) peerListen(h *mesh.ClientHandle, args []string) {
	addr, ok := hostPort(args)
	if !ok {
		d.errf(h, "bad-args", "/peer-listen <host> <port>")
		return
	}
	if _, err := d.server.AddPeerListener(addr); err != nil {
		d.errf(h, "peer-listen", err.Error())
	}
}

func (d *Dispatcher) peerConnect(h *mesh.ClientHandle, args []string) {
	addr, ok := hostPort(args)
	if !ok {
		d.errf(h, "bad-args", "/peer-connect <host> <port>")
		return
	}
	d.server.ConnectPeer(addr)
}

func (d *Dispatcher) peerDisconnect(h *mesh.ClientHandle, args []string) {
	if len(args) != 1 {
		d.errf(h, "bad-args", "/peer-disconnect <id>")
		return
	}
	id, err := meshid.ParseServerID(args[0])
	if err != nil {
		d.errf(h, "bad-args", "/peer-disconnect <id>")
		return
	}
	if !d.server.DisconnectPeer(id) {
		d.errf(h, "no-such-peer", args[0])
	}
}

func (d *Dispatcher) peers(h *mesh.ClientHandle) {
	for _, p := range d.server.Peers() {
		h.Conn.Enqueue([]byte(fmt.Sprintf("%s %s", p.ID.String(), p.RemoteAddr)))
	}
}

func (d *Dispatcher) name(h *mesh.ClientHandle, args []string) {
	if len(args) != 1 {
		d.errf(h, "bad-args", "/name <nick>")
		return
	}
	h.Name = args[0]
}

func (d *Dispatcher) quit(h *mesh.ClientHandle) {
	d.server.Reactor().CloseConnection(h.Conn.ID, conn.CloseReason{Code: conn.ReasonOrderlyClose})
}
