// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the mesh-level Prometheus instruments. Every collector
// owns its own registry so multiple nodes can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	connectedPeers  prometheus.Gauge
	knownPeers      prometheus.Gauge
	envelopesSent   *prometheus.CounterVec
	envelopesRecv   *prometheus.CounterVec
	envelopesDrop   *prometheus.CounterVec
	handshakeFailed *prometheus.CounterVec
	sightings       prometheus.Counter
	dialAttempts    *prometheus.CounterVec
	syncApplied     prometheus.Counter
	syncStale       prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector with its instruments registered under
// namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.connectedPeers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_peers",
		Help:      "Number of peers with an active connection",
	})

	c.knownPeers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "known_peers",
		Help:      "Number of peers in the registry, any state",
	})

	c.envelopesSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_sent_total",
		Help:      "Envelopes written to peers",
	}, []string{"kind"})

	c.envelopesRecv = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_received_total",
		Help:      "Envelopes accepted from peers",
	}, []string{"kind"})

	c.envelopesDrop = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_dropped_total",
		Help:      "Envelopes rejected before dispatch",
	}, []string{"reason"}) // malformed, too_large, replay, unhandled

	c.handshakeFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "Connection handshakes that did not complete",
	}, []string{"reason"}) // timeout, identity, version, protocol

	c.sightings = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_sightings_total",
		Help:      "Peer sightings emitted by discovery",
	})

	c.dialAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dial_attempts_total",
		Help:      "Outbound connection attempts",
	}, []string{"status"}) // ok, error

	c.syncApplied = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_updates_applied_total",
		Help:      "State sync updates that won their merge",
	})

	c.syncStale = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_updates_stale_total",
		Help:      "State sync updates discarded as stale",
	})

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry returns the collector's Prometheus registry for HTTP exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetPeerCounts records the current registry population.
func (c *Collector) SetPeerCounts(connected, known int) {
	c.connectedPeers.Set(float64(connected))
	c.knownPeers.Set(float64(known))
}

// RecordEnvelopeSent counts an outbound envelope by kind.
func (c *Collector) RecordEnvelopeSent(kind string) {
	c.envelopesSent.WithLabelValues(kind).Inc()
}

// RecordEnvelopeReceived counts an accepted inbound envelope by kind.
func (c *Collector) RecordEnvelopeReceived(kind string) {
	c.envelopesRecv.WithLabelValues(kind).Inc()
}

// RecordEnvelopeDropped counts an inbound envelope rejected before dispatch.
func (c *Collector) RecordEnvelopeDropped(reason string) {
	c.envelopesDrop.WithLabelValues(reason).Inc()
}

// RecordHandshakeFailure counts a failed connection handshake.
func (c *Collector) RecordHandshakeFailure(reason string) {
	c.handshakeFailed.WithLabelValues(reason).Inc()
}

// RecordSighting counts a discovery sighting.
func (c *Collector) RecordSighting() {
	c.sightings.Inc()
}

// RecordDial counts an outbound dial attempt.
func (c *Collector) RecordDial(err error) {
	if err != nil {
		c.dialAttempts.WithLabelValues("error").Inc()
		return
	}
	c.dialAttempts.WithLabelValues("ok").Inc()
}

// RecordSyncApplied counts a state update that won its merge.
func (c *Collector) RecordSyncApplied() {
	c.syncApplied.Inc()
}

// RecordSyncStale counts a state update discarded as stale.
func (c *Collector) RecordSyncStale() {
	c.syncStale.Inc()
}
