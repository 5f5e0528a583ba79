package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Metrics owns its
// registry so several servers can live in one test binary.
//
// It implements signaling.Metrics and fanout.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Connections is the number of registered connections.
	Connections prometheus.Gauge
	// OnlineIdentities is the number of identities with a live connection.
	OnlineIdentities prometheus.Gauge
	// ConnectionEvents counts connection lifecycle events.
	// Labels: event (opened|closed|rejected)
	ConnectionEvents *prometheus.CounterVec
	// InboundFrames counts client frames by event and result.
	// Labels: event, result (ok|malformed|unknown|rate_limited)
	InboundFrames *prometheus.CounterVec
	// CallTransitions counts signaling outcomes.
	// Labels: outcome
	CallTransitions *prometheus.CounterVec
	// ActiveCalls is the number of live call sessions.
	ActiveCalls prometheus.Gauge
	// FanoutDeliveries counts connections reached per fanout event.
	// Labels: event
	FanoutDeliveries *prometheus.CounterVec
	// SearchDuration measures resolver latency.
	// Labels: result (ok|error)
	SearchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_connections",
			Help: "Current number of registered websocket connections",
		}),
		OnlineIdentities: f.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_online_identities",
			Help: "Current number of identities with at least one connection",
		}),
		ConnectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_connection_events_total",
			Help: "Connection lifecycle events",
		}, []string{"event"}),
		InboundFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_inbound_frames_total",
			Help: "Client frames by event and handling result",
		}, []string{"event", "result"}),
		CallTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_call_transitions_total",
			Help: "Call signaling requests by outcome",
		}, []string{"outcome"}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_active_calls",
			Help: "Current number of call sessions",
		}),
		FanoutDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_fanout_deliveries_total",
			Help: "Connections reached by chat fanout",
		}, []string{"event"}),
		SearchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gochat_search_duration_seconds",
			Help:    "User search resolver latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveCall(outcome string) {
	m.CallTransitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) ObserveFanout(event string, delivered int) {
	m.FanoutDeliveries.WithLabelValues(event).Add(float64(delivered))
}

func (m *Metrics) ObserveSearch(result string, d time.Duration) {
	m.SearchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) ObserveFrame(event, result string) {
	m.InboundFrames.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ObserveConnection(event string) {
	m.ConnectionEvents.WithLabelValues(event).Inc()
}

// SetConnections updates the connection gauges.
func (m *Metrics) SetConnections(conns, online int) {
	m.Connections.Set(float64(conns))
	m.OnlineIdentities.Set(float64(online))
}
