// Package mesh implements spec.md §4.D–§4.G: the MeshDatagram wire codec,
// PeerLink handshake/state machine, the MeshServer flooding hub, and the
// ObserverRegistry dispatch table.
package mesh

import (
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jan-g/talkmesh/internal/meshid"
)

// ErrMalformed is wrapped by every Decode failure, so callers can close a
// PeerLink with conn.ReasonMalformed on any error from this package without
// inspecting the underlying cause.
var ErrMalformed = errors.New("malformed mesh datagram")

var typeToken = regexp.MustCompile(`^[A-Z0-9_-]+$`)

// Well-known datagram types, per spec.md §3 and §4.I.
const (
	TypeSpeech  = "SPEECH"
	TypeIAm     = "I-AM"
	TypePeerSet = "PEER-SET"
)

// Datagram is the in-memory form of spec.md §3's MeshDatagram.
type Datagram struct {
	ID        meshid.MessageID
	Type      string
	TTL       *int // nil = unlimited
	Recipient *meshid.ServerID
	Payload   []byte

	// ReplyTo is reserved for the scatter-gather extension point noted in
	// spec.md §9; it has no wire representation today.
	ReplyTo *meshid.MessageID
}

// Encode renders d as the line body described in spec.md §4.D, without a
// trailing CRLF (the Framer adds that on enqueue).
func (d Datagram) Encode() []byte {
	var b strings.Builder
	b.WriteString("MSG ")
	b.WriteString(d.ID.Origin.String())
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(d.ID.Counter, 10))
	b.WriteByte(' ')
	b.WriteString(d.Type)
	if d.TTL != nil {
		b.WriteString(" ttl=")
		b.WriteString(strconv.Itoa(*d.TTL))
	}
	if d.Recipient != nil {
		b.WriteString(" to=")
		b.WriteString(d.Recipient.String())
	}
	b.WriteByte(' ')
	if len(d.Payload) == 0 {
		b.WriteByte('-')
	} else {
		b.WriteString(base64.RawStdEncoding.EncodeToString(d.Payload))
	}
	return []byte(b.String())
}

// Decode parses a line per spec.md §4.D's grammar. Any failure is wrapped
// in ErrMalformed so the caller can close the originating PeerLink with
// reason MALFORMED.
func Decode(line []byte) (Datagram, error) {
	fields := strings.Fields(string(line))
	if len(fields) < 5 {
		return Datagram{}, errors.Wrapf(ErrMalformed, "too few fields: %q", line)
	}
	if fields[0] != "MSG" {
		return Datagram{}, errors.Wrapf(ErrMalformed, "missing MSG tag: %q", line)
	}

	origin, err := meshid.ParseServerID(fields[1])
	if err != nil {
		return Datagram{}, errors.Wrap(ErrMalformed, err.Error())
	}
	counter, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Datagram{}, errors.Wrapf(ErrMalformed, "bad counter %q", fields[2])
	}
	typ := fields[3]
	if !typeToken.MatchString(typ) {
		return Datagram{}, errors.Wrapf(ErrMalformed, "bad type token %q", typ)
	}

	var ttl *int
	var recipient *meshid.ServerID
	idx := 4
	for idx < len(fields)-1 {
		tok := fields[idx]
		switch {
		case strings.HasPrefix(tok, "ttl="):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "ttl="))
			if err != nil || n < 0 {
				return Datagram{}, errors.Wrapf(ErrMalformed, "bad ttl attribute %q", tok)
			}
			ttl = &n
			idx++
		case strings.HasPrefix(tok, "to="):
			rid, err := meshid.ParseServerID(strings.TrimPrefix(tok, "to="))
			if err != nil {
				return Datagram{}, errors.Wrap(ErrMalformed, err.Error())
			}
			recipient = &rid
			idx++
		default:
			idx = len(fields) - 1 // stop: remaining token is the payload
		}
	}
	if idx != len(fields)-1 {
		return Datagram{}, errors.Wrapf(ErrMalformed, "no payload field: %q", line)
	}

	payloadTok := fields[idx]
	var payload []byte
	if payloadTok != "-" {
		payload, err = base64.RawStdEncoding.DecodeString(payloadTok)
		if err != nil {
			return Datagram{}, errors.Wrapf(ErrMalformed, "bad payload: %v", err)
		}
	}

	return Datagram{
		ID:        meshid.MessageID{Origin: origin, Counter: counter},
		Type:      typ,
		TTL:       ttl,
		Recipient: recipient,
		Payload:   payload,
	}, nil
}
