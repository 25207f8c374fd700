// Package monitoring exposes operational metrics and an optional JSONL
// telemetry log.
//
// DESIGN: Metrics holds the prometheus collectors behind plain methods so the
// rest of the code never touches prometheus types directly. A nil *Metrics is
// safe to call, which keeps tests and optional wiring simple.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the proxy's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	upstreamConnects  *prometheus.CounterVec
	upstreamFailures  *prometheus.CounterVec
	upstreamRequests  *prometheus.CounterVec
	streamEvents      *prometheus.CounterVec
	wsClients         *prometheus.GaugeVec
	messagesPersisted *prometheus.CounterVec
}

// NewMetrics builds a fresh registry with all proxy collectors registered.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.upstreamConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatproxy_upstream_connects_total",
		Help: "Successful upstream gateway handshakes.",
	}, []string{"gateway"})
	m.upstreamFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatproxy_upstream_failures_total",
		Help: "Upstream dial or handshake failures.",
	}, []string{"gateway"})
	m.upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatproxy_upstream_requests_total",
		Help: "Requests issued to upstream gateways.",
	}, []string{"gateway", "method"})
	m.streamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatproxy_stream_events_total",
		Help: "Chat stream events forwarded downstream.",
	}, []string{"gateway", "state"})
	m.wsClients = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatproxy_ws_clients",
		Help: "Currently connected downstream WebSocket clients.",
	}, []string{"endpoint"})
	m.messagesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatproxy_messages_persisted_total",
		Help: "Messages appended to the store.",
	}, []string{"role"})

	m.registry.MustRegister(
		m.upstreamConnects, m.upstreamFailures, m.upstreamRequests,
		m.streamEvents, m.wsClients, m.messagesPersisted,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpstreamConnected records a successful handshake.
func (m *Metrics) UpstreamConnected(gateway string) {
	if m != nil {
		m.upstreamConnects.WithLabelValues(gateway).Inc()
	}
}

// UpstreamFailed records a dial or handshake failure.
func (m *Metrics) UpstreamFailed(gateway string) {
	if m != nil {
		m.upstreamFailures.WithLabelValues(gateway).Inc()
	}
}

// UpstreamRequest records an issued upstream request.
func (m *Metrics) UpstreamRequest(gateway, method string) {
	if m != nil {
		m.upstreamRequests.WithLabelValues(gateway, method).Inc()
	}
}

// StreamEvent records one forwarded stream event.
func (m *Metrics) StreamEvent(gateway, state string) {
	if m != nil {
		m.streamEvents.WithLabelValues(gateway, state).Inc()
	}
}

// ClientConnected / ClientDisconnected track downstream socket counts.
func (m *Metrics) ClientConnected(endpoint string) {
	if m != nil {
		m.wsClients.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) ClientDisconnected(endpoint string) {
	if m != nil {
		m.wsClients.WithLabelValues(endpoint).Dec()
	}
}

// MessagePersisted records a stored message by role.
func (m *Metrics) MessagePersisted(role string) {
	if m != nil {
		m.messagesPersisted.WithLabelValues(role).Inc()
	}
}
