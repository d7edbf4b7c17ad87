// Package metrics holds the Prometheus collectors of the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "luma"

// Relay implements relay.Observer.
type Relay struct {
	PassesTotal         *prometheus.CounterVec
	ActivePasses        *prometheus.GaugeVec
	FirstFrameSeconds   *prometheus.HistogramVec
	PassDurationSeconds *prometheus.HistogramVec
}

// Registry is the gateway's collector set.
type Registry struct {
	reg *prometheus.Registry

	Relay              *Relay
	RateLimitedTotal   *prometheus.CounterVec
	SessionLookupTotal *prometheus.CounterVec
}

// New registers every collector on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		Relay: &Relay{
			PassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "passes_total",
				Help:      "Relay passes by transport and outcome.",
			}, []string{"transport", "outcome"}),
			ActivePasses: factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "active_passes",
				Help:      "Relay passes currently running.",
			}, []string{"transport"}),
			FirstFrameSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "first_frame_seconds",
				Help:      "Time from pass start to the first forwarded data record.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
			}, []string{"transport"}),
			PassDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "pass_duration_seconds",
				Help:      "Total relay pass duration.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			}, []string{"outcome"}),
		},
		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}, []string{"route"}),
		SessionLookupTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "session_lookups_total",
			Help:      "Session resolutions by result.",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry to tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (m *Relay) PassStarted(transport string) {
	m.ActivePasses.WithLabelValues(label(transport)).Inc()
}

func (m *Relay) FirstFrame(transport string, elapsed time.Duration) {
	m.FirstFrameSeconds.WithLabelValues(label(transport)).Observe(elapsed.Seconds())
}

func (m *Relay) PassFinished(transport, outcome string, elapsed time.Duration) {
	transport = label(transport)
	m.ActivePasses.WithLabelValues(transport).Dec()
	m.PassesTotal.WithLabelValues(transport, outcome).Inc()
	m.PassDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func label(transport string) string {
	if transport == "" {
		return "unknown"
	}
	return transport
}
