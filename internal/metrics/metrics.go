// Package metrics exposes the mesh layer's Prometheus-backed gauges and
// counters, following consensus/metrics.go's go-kit/kit metrics shape:
// typed fields on a Metrics struct, a PrometheusMetrics constructor, and a
// NopMetrics fallback that discards everything when metrics are disabled.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
)

// MetricsSubsystem is the Prometheus subsystem shared by every metric this
// package exposes.
const MetricsSubsystem = "mesh"

// Metrics contains metrics exposed by the mesh and reactor packages.
type Metrics struct {
	// Peers is the current count of UP PeerLinks.
	Peers metrics.Gauge
	// SeenSetSize is the current number of entries in the SeenSet.
	SeenSetSize metrics.Gauge
	// KnownServers is the size of the reachable-set computed by the
	// topology observer.
	KnownServers metrics.Gauge

	// BroadcastsSent counts locally-originated broadcasts.
	BroadcastsSent metrics.Counter
	// DatagramsForwarded counts datagrams re-sent to other peers after
	// arriving on the mesh.
	DatagramsForwarded metrics.Counter
	// DatagramsDropped counts datagrams dropped as duplicates.
	DatagramsDropped metrics.Counter
	// PeerLinksClosed counts PeerLink closures, labeled by reason via
	// With(...).
	PeerLinksClosed metrics.Counter

	// ReactorTick measures the wall-clock duration of one reactor turn.
	ReactorTick metrics.Histogram

	// recordRate is an independent rcrowley/go-metrics EWMA meter for the
	// reactor's instantaneous records-per-second, surfaced on the debug
	// server without needing a Prometheus scrape to observe it.
	recordRate gometrics.Meter
}

// PrometheusMetrics returns Metrics backed by the Prometheus client
// library. Optional labels can be provided along with their values ("role",
// "client").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of direct peers in state UP.",
		}, labels).With(labelsAndValues...),
		SeenSetSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "seen_set_size",
			Help:      "Number of MessageIDs currently held in the dedup cache.",
		}, labels).With(labelsAndValues...),
		KnownServers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "known_servers",
			Help:      "Size of the locally-computed reachable server set.",
		}, labels).With(labelsAndValues...),
		BroadcastsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "broadcasts_sent_total",
			Help:      "Number of locally-originated broadcasts.",
		}, labels).With(labelsAndValues...),
		DatagramsForwarded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "datagrams_forwarded_total",
			Help:      "Number of datagrams re-forwarded to other peers.",
		}, labels).With(labelsAndValues...),
		DatagramsDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "datagrams_dropped_total",
			Help:      "Number of datagrams dropped as duplicates.",
		}, labels).With(labelsAndValues...),
		PeerLinksClosed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_links_closed_total",
			Help:      "Number of PeerLinks closed, labeled by reason.",
		}, append(labels, "reason")).With(labelsAndValues...),
		ReactorTick: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reactor_tick_seconds",
			Help:      "Duration of one reactor readiness-poll turn.",
		}, labels).With(labelsAndValues...),
		recordRate: gometrics.NewMeter(),
	}
}

// NopMetrics returns Metrics that discard everything, for use when metrics
// are disabled.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:               discard.NewGauge(),
		SeenSetSize:         discard.NewGauge(),
		KnownServers:        discard.NewGauge(),
		BroadcastsSent:      discard.NewCounter(),
		DatagramsForwarded:  discard.NewCounter(),
		DatagramsDropped:    discard.NewCounter(),
		PeerLinksClosed:     discard.NewCounter(),
		ReactorTick:         discard.NewHistogram(),
		recordRate:          gometrics.NilMeter{},
	}
}

// MarkRecords registers n newly-processed records against the EWMA meter.
func (m *Metrics) MarkRecords(n int64) {
	m.recordRate.Mark(n)
}

// RecordsPerSecond returns the 1-minute EWMA rate of records processed by
// the reactor, for the debug server's /status output.
func (m *Metrics) RecordsPerSecond() float64 {
	return m.recordRate.Rate1()
}
