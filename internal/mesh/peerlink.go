package mesh

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jan-g/talkmesh/internal/conn"
	"github.com/jan-g/talkmesh/internal/meshid"
)

// PeerState is a PeerLink's position in spec.md §4's state machine.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerHandshaking
	PeerUp
	PeerDraining
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "CONNECTING"
	case PeerHandshaking:
		return "HANDSHAKING"
	case PeerUp:
		return "UP"
	case PeerDraining:
		return "DRAINING"
	case PeerClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PeerLink is a Connection specialised for the peer role, per spec.md §4.E.
// All fields are touched only from the Reactor's dispatch goroutine.
type PeerLink struct {
	server     *Server
	conn       *conn.Connection
	state      PeerState
	remoteID   meshid.ServerID
	remoteAddr string
	outbound   bool

	handshakeTimer uint64
}

// RemoteID returns the peer's ServerID, valid once State() is PeerUp or
// later.
func (pl *PeerLink) RemoteID() meshid.ServerID { return pl.remoteID }

// RemoteAddr returns the dialed or accepted socket address.
func (pl *PeerLink) RemoteAddr() string { return pl.remoteAddr }

// State returns the link's current lifecycle state.
func (pl *PeerLink) State() PeerState { return pl.state }

// Outbound reports whether this server dialed the link (vs. accepting it).
func (pl *PeerLink) Outbound() bool { return pl.outbound }

// remoteAddrOrID is a log-friendly identifier: the remote ServerID once
// known (post-handshake), else the raw socket address.
func (pl *PeerLink) remoteAddrOrID() string {
	if pl.state == PeerUp || pl.state == PeerDraining || pl.state == PeerClosed {
		if !pl.remoteID.IsZero() {
			return pl.remoteID.Short()
		}
	}
	return pl.remoteAddr
}

// newPeerLink wraps t in a Connection and begins the HELLO handshake
// described in spec.md §4.E.
func (s *Server) newPeerLink(t conn.Transport, remoteAddr string, outbound bool) *PeerLink {
	pl := &PeerLink{
		server:     s,
		state:      PeerHandshaking,
		remoteAddr: remoteAddr,
		outbound:   outbound,
	}
	c := s.reactor.AddConnection(conn.RolePeer, remoteAddr, t, s.cfg.MaxRecordSize, s.cfg.DrainGrace, pl.onRecord, pl.onConnClosed)
	pl.conn = c
	s.peerLinks[c.ID] = pl

	pl.handshakeTimer = s.reactor.AfterFunc(s.cfg.HandshakeTimeout, func(time.Time) {
		if pl.state == PeerHandshaking {
			pl.closeWith(conn.CloseReason{Code: conn.ReasonHandshakeTimeout})
		}
	})
	pl.sendHello()
	return pl
}

func (pl *PeerLink) sendHello() {
	line := fmt.Sprintf("HELLO %s %d", pl.server.localID.String(), pl.server.cfg.ProtocolVersion)
	pl.conn.Enqueue([]byte(line))
}

func parseHello(record []byte) (meshid.ServerID, int, error) {
	fields := strings.Fields(string(record))
	if len(fields) != 3 || fields[0] != "HELLO" {
		return meshid.ServerID{}, 0, errors.Wrapf(ErrMalformed, "bad hello line %q", record)
	}
	id, err := meshid.ParseServerID(fields[1])
	if err != nil {
		return meshid.ServerID{}, 0, errors.Wrap(ErrMalformed, err.Error())
	}
	version, err := strconv.Atoi(fields[2])
	if err != nil {
		return meshid.ServerID{}, 0, errors.Wrapf(ErrMalformed, "bad hello version %q", fields[2])
	}
	return id, version, nil
}

// onRecord is the Connection.RecordHandler for a peer-role Connection,
// dispatching by handshake state.
func (pl *PeerLink) onRecord(_ *conn.Connection, record []byte) {
	switch pl.state {
	case PeerHandshaking:
		pl.handleHello(record)
	case PeerUp:
		dg, err := Decode(record)
		if err != nil {
			pl.closeWith(conn.CloseReason{Code: conn.ReasonMalformed, Cause: err})
			return
		}
		pl.server.onPeerRecord(pl, dg)
	default:
		// DRAINING/CLOSED: a record that raced the close is dropped.
	}
}

func (pl *PeerLink) handleHello(record []byte) {
	remoteID, version, err := parseHello(record)
	if err != nil {
		pl.closeWith(conn.CloseReason{Code: conn.ReasonMalformed, Cause: err})
		return
	}
	if version != pl.server.cfg.ProtocolVersion {
		pl.closeWith(conn.CloseReason{Code: conn.ReasonProtocol, Cause: fmt.Errorf("protocol version %d incompatible with %d", version, pl.server.cfg.ProtocolVersion)})
		return
	}
	if remoteID == pl.server.localID {
		pl.closeWith(conn.CloseReason{Code: conn.ReasonProtocol, Cause: errors.New("self-connect")})
		return
	}
	pl.remoteID = remoteID
	pl.server.reactor.CancelTimer(pl.handshakeTimer)
	pl.transitionUp()
}

// transitionUp enforces spec.md §3's "no two UP PeerLinks share a remote
// ServerId" invariant. Both ends of a duplicate pair (e.g. scenario 5: one
// peer dials twice concurrently) always present with an identical
// remoteID, which makes a byte-comparison of remoteID itself non-
// discriminating; the deterministic rule applied here is first-to-complete-
// handshake wins, later arrivals are rejected with DUPLICATE_PEER. See
// DESIGN.md for the resolution of this spec ambiguity.
func (pl *PeerLink) transitionUp() {
	s := pl.server
	if existing, ok := s.lookupPeerByID(pl.remoteID); ok && existing != pl {
		pl.closeWith(conn.CloseReason{Code: conn.ReasonDuplicatePeer})
		return
	}
	pl.state = PeerUp
	s.onPeerUp(pl)
}

// send enqueues dg on this link only, used for both forwarding and
// unicast_to_peer.
func (pl *PeerLink) send(dg Datagram) bool {
	if pl.state != PeerUp {
		return false
	}
	return pl.conn.Enqueue(dg.Encode())
}

// closeWith begins an orderly close of the underlying Connection with the
// given reason. Safe to call more than once.
func (pl *PeerLink) closeWith(reason conn.CloseReason) {
	if pl.state == PeerClosed || pl.state == PeerDraining {
		return
	}
	pl.state = PeerDraining
	pl.server.metrics.PeerLinksClosed.With("reason", reason.Code).Add(1)
	pl.server.reactor.CloseConnection(pl.conn.ID, reason)
}

// onConnClosed is the Reactor's close hook for this link's Connection.
func (pl *PeerLink) onConnClosed(reason conn.CloseReason) {
	pl.server.onPeerClosed(pl, reason)
}
