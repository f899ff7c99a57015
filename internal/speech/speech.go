// Package speech implements spec.md §4.H's SpeechObserver: the canonical
// broadcast consumer that relays utterances to every local client.
package speech

import (
	"fmt"

	"github.com/jan-g/talkmesh/internal/mesh"
)

// headerSep ends the auxiliary speaker header that speech datagrams carry
// ahead of the utterance itself, since MeshDatagram payloads are opaque bytes
// with no structured field for the speaker name (spec.md §4.H references
// "a peer-assigned display name passed as an auxiliary header in the
// datagram"). The wire form is "<speaker>\n<utterance>" within the
// datagram's payload; this is this package's own encoding, not part of the
// MSG line grammar in spec.md §4.D.
const headerSep = '\n'

// EncodePayload packs speaker and utterance into a SPEECH datagram payload.
func EncodePayload(speaker, utterance string) []byte {
	return []byte(speaker + string(headerSep) + utterance)
}

// DecodePayload splits a SPEECH datagram payload back into speaker and
// utterance. It returns ok=false if the payload has no header separator.
func DecodePayload(payload []byte) (speaker, utterance string, ok bool) {
	for i, b := range payload {
		if b == headerSep {
			return string(payload[:i]), string(payload[i+1:]), true
		}
	}
	return "", "", false
}

// Observer relays SPEECH datagrams to every local client connection.
type Observer struct {
	server *mesh.Server
	hooks  []func(line string)
}

// Register subscribes a new Observer to mesh.TypeSpeech on server.
func Register(server *mesh.Server) *Observer {
	o := &Observer{server: server}
	server.Observers().Subscribe(mesh.TypeSpeech, o.onSpeech)
	return o
}

// OnSpeech registers an additional sink for every formatted speech line,
// alongside the client fan-out onSpeech already does. Used by
// internal/debugserver to mirror chat onto its /ws feed without coupling
// this package to net/http.
func (o *Observer) OnSpeech(cb func(line string)) {
	o.hooks = append(o.hooks, cb)
}

// Say broadcasts an utterance from speaker, the client-facing entry point
// called for any non-slash-command line (spec.md §6). Because
// Server.Broadcast notifies local observers before touching any PeerLink,
// the originator's own terminal sees the echo exactly once, synchronously,
// per spec.md §4.H.
func (o *Observer) Say(speaker, utterance string) {
	o.server.Broadcast(mesh.TypeSpeech, EncodePayload(speaker, utterance), nil, nil)
}

func (o *Observer) onSpeech(_ mesh.DeliveryContext, dg mesh.Datagram) {
	speaker, utterance, ok := DecodePayload(dg.Payload)
	if !ok {
		o.server.Logger().Error("speech: malformed payload", "id", dg.ID.String())
		return
	}
	text := fmt.Sprintf("%s says: %s", speaker, utterance)
	line := []byte(text)
	for _, h := range o.server.Clients() {
		h.Conn.Enqueue(line)
	}
	for _, cb := range o.hooks {
		cb(text)
	}
}
