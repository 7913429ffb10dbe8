// Package metrics defines the relay's prometheus collectors. Everything is
// registered against an injected Registerer so tests can use a private
// registry instead of the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the relay's collectors.
type Metrics struct {
	// ConnectedAgents tracks live agent sockets.
	ConnectedAgents prometheus.Gauge

	// ConnectedClients tracks live viewer and dashboard sockets.
	ConnectedClients prometheus.Gauge

	// FramesRelayed counts frames fanned out to viewers.
	FramesRelayed prometheus.Counter

	// FramesDropped counts frames discarded because a viewer's volatile
	// queue was full.
	FramesDropped prometheus.Counter

	// LoginFailures counts rejected password attempts.
	LoginFailures prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers the collectors. sessionCount is polled for the
// active-sessions gauge.
func New(sessionCount func() int) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peekdesk_connected_agents",
			Help: "Number of agent sockets currently connected.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peekdesk_connected_clients",
			Help: "Number of viewer and dashboard sockets currently connected.",
		}),
		FramesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peekdesk_frames_relayed_total",
			Help: "Screen frames fanned out to viewers.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peekdesk_frames_dropped_total",
			Help: "Screen frames discarded on viewer queue overrun.",
		}),
		LoginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peekdesk_login_failures_total",
			Help: "Rejected password login attempts.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.ConnectedAgents,
		m.ConnectedClients,
		m.FramesRelayed,
		m.FramesDropped,
		m.LoginFailures,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "peekdesk_active_sessions",
			Help: "Live login sessions.",
		}, func() float64 { return float64(sessionCount()) }),
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
