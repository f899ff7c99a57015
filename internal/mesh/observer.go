package mesh

import (
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/jan-g/talkmesh/internal/meshid"
)

// DeliveryContext carries the arrival metadata an Observer needs beyond the
// datagram itself. ArrivalPeer is nil for a locally-originated broadcast
// (the call came from Server.Broadcast, not from a PeerLink); otherwise it
// is the remote ServerID of the UP PeerLink the datagram arrived on. This
// is what lets TopologyObserver distinguish an I-AM received directly from
// its origin (ArrivalPeer == dg.ID.Origin, i.e. the first hop) from one
// merely relayed through the flood further out.
type DeliveryContext struct {
	ArrivalPeer *meshid.ServerID
}

// Observer is a plain function-valued subscriber, per spec.md §9's "tagged
// variant dispatch... plain function-valued entry" design note. It MUST
// NOT block or panic; a panic is recovered and logged by the registry.
type Observer func(ctx DeliveryContext, dg Datagram)

// ObserverRegistry maps a datagram type tag to an ordered list of
// subscribers, per spec.md §4.G. All methods run on the Reactor thread;
// re-entrant calls to MeshServer.Broadcast from inside an Observer are
// permitted because dispatch is single-threaded.
type ObserverRegistry struct {
	logger    tmlog.Logger
	observers map[string][]Observer
}

// NewObserverRegistry returns an empty registry.
func NewObserverRegistry(logger tmlog.Logger) *ObserverRegistry {
	return &ObserverRegistry{
		logger:    logger,
		observers: make(map[string][]Observer),
	}
}

// Subscribe registers obs for datagram type typ, appended after any
// existing subscribers for that type.
func (r *ObserverRegistry) Subscribe(typ string, obs Observer) {
	r.observers[typ] = append(r.observers[typ], obs)
}

// Notify invokes every observer registered for dg.Type, in registration
// order. A panicking observer is recovered and logged rather than taking
// down the Reactor thread, per spec.md §4.G's "callbacks MUST NOT throw;
// recoverable errors are logged and swallowed".
func (r *ObserverRegistry) Notify(ctx DeliveryContext, dg Datagram) {
	for _, obs := range r.observers[dg.Type] {
		r.invoke(obs, ctx, dg)
	}
}

func (r *ObserverRegistry) invoke(obs Observer, ctx DeliveryContext, dg Datagram) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("observer panicked", "type", dg.Type, "id", dg.ID.String(), "recovered", rec)
		}
	}()
	obs(ctx, dg)
}
