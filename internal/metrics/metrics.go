// Package metrics holds the process-wide Prometheus collectors for
// proxyd's domain-level activity, realizing spec.md §9's "global counters:
// total requests proxied, total health checks sent" (and the admin API's
// per-hostname in-flight gauge) as collectors registered once by New and
// handed to the components that record against them, instead of ambient
// package-level state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use with a nil receiver: every Observe/Inc/Dec method
// is a no-op on a nil *Metrics, so callers (and tests) that don't care
// about metrics can pass nil instead of threading a real instance through.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	ErrorsTotal   *prometheus.CounterVec
	InFlight      *prometheus.GaugeVec
	HealthChecks  prometheus.Counter

	registry *prometheus.Registry
}

// New constructs and registers every collector against a private registry
// rather than prometheus.DefaultRegisterer, so multiple Metrics instances
// (e.g. one per test) never collide on duplicate registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paasproxy_requests_total",
			Help: "Total requests proxied to a backend, labeled by hostname.",
		}, []string{"hostname"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paasproxy_errors_total",
			Help: "Total proxy errors returned to clients, labeled by hostname.",
		}, []string{"hostname"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paasproxy_in_flight_requests",
			Help: "Requests currently being proxied, labeled by hostname.",
		}, []string{"hostname"}),
		HealthChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paasproxy_health_checks_total",
			Help: "Total health checks sent by the Health Monitor.",
		}),
		registry: reg,
	}
	reg.MustRegister(
		m.RequestsTotal, m.ErrorsTotal, m.InFlight, m.HealthChecks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves this Metrics' private registry in the Prometheus
// exposition format, for mounting at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one proxied request for hostname.
func (m *Metrics) ObserveRequest(hostname string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(hostname).Inc()
}

// ObserveError records one proxy error for hostname.
func (m *Metrics) ObserveError(hostname string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(hostname).Inc()
}

// IncInFlight marks one more request in flight for hostname.
func (m *Metrics) IncInFlight(hostname string) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(hostname).Inc()
}

// DecInFlight marks one fewer request in flight for hostname.
func (m *Metrics) DecInFlight(hostname string) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(hostname).Dec()
}

// ObserveHealthCheck records one health check sent by the Health Monitor.
func (m *Metrics) ObserveHealthCheck() {
	if m == nil {
		return
	}
	m.HealthChecks.Inc()
}
