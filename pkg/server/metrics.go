package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks server health counters exported via Prometheus. All
// Record methods are cheap and safe to call from any goroutine; callers
// nil-check the Metrics pointer so the server also runs without metrics.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal   prometheus.Counter
	registeredSessions prometheus.Gauge
	envelopesReceived  *prometheus.CounterVec
	envelopesSent      *prometheus.CounterVec
	malformedEnvelopes prometheus.Counter
	broadcastTargets   prometheus.Histogram
	broadcastErrors    prometheus.Counter
	storeFailures      prometheus.Counter
}

// NewMetrics creates and registers all server metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_connections_total",
			Help: "Total websocket connections accepted",
		}),
		registeredSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_registered_sessions",
			Help: "Sessions currently registered (joined to a room)",
		}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_envelopes_received_total",
			Help: "Inbound envelopes by type",
		}, []string{"type"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_envelopes_sent_total",
			Help: "Outbound envelopes by type",
		}, []string{"type"}),
		malformedEnvelopes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_malformed_envelopes_total",
			Help: "Inbound frames dropped as malformed, unknown, or out of state",
		}),
		broadcastTargets: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomcast_broadcast_targets",
			Help:    "Target count per room broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		broadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_broadcast_errors_total",
			Help: "Per-target write failures during fanout",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_store_failures_total",
			Help: "Persistence operations that failed and were skipped",
		}),
	}

	registry.MustRegister(
		m.connectionsTotal,
		m.registeredSessions,
		m.envelopesReceived,
		m.envelopesSent,
		m.malformedEnvelopes,
		m.broadcastTargets,
		m.broadcastErrors,
		m.storeFailures,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnection counts an accepted websocket connection
func (m *Metrics) RecordConnection() {
	m.connectionsTotal.Inc()
}

// RecordRegisteredSessions updates the registered session gauge
func (m *Metrics) RecordRegisteredSessions(count int) {
	m.registeredSessions.Set(float64(count))
}

// RecordEnvelopeReceived counts one inbound envelope by type
func (m *Metrics) RecordEnvelopeReceived(envType string) {
	m.envelopesReceived.WithLabelValues(envType).Inc()
}

// RecordEnvelopeSent counts one outbound envelope by type
func (m *Metrics) RecordEnvelopeSent(envType string) {
	m.envelopesSent.WithLabelValues(envType).Inc()
}

// RecordMalformedEnvelope counts one dropped inbound frame
func (m *Metrics) RecordMalformedEnvelope() {
	m.malformedEnvelopes.Inc()
}

// RecordBroadcast observes the target count of one fanout
func (m *Metrics) RecordBroadcast(targets int) {
	m.broadcastTargets.Observe(float64(targets))
}

// RecordBroadcastError counts one per-target write failure
func (m *Metrics) RecordBroadcastError() {
	m.broadcastErrors.Inc()
}

// RecordStoreFailure counts one failed persistence operation
func (m *Metrics) RecordStoreFailure() {
	m.storeFailures.Inc()
}
