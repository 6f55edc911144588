// Package metrics exposes Prometheus instrumentation for the bridge. All
// collectors live on an explicitly constructed registry so parallel test
// instances never collide.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the bridge's collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	fragments prometheus.Counter
}

// New constructs and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lmbridge_requests_total",
			Help: "HTTP requests handled, by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lmbridge_request_duration_seconds",
			Help:    "End-to-end request latency, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lmbridge_stream_fragments_total",
			Help: "Upstream fragments forwarded to streaming clients.",
		}),
	}

	reg.MustRegister(m.requests, m.duration, m.fragments)
	return m
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveFragment records one forwarded stream fragment.
func (m *Metrics) ObserveFragment() {
	m.fragments.Inc()
}

// Handler returns the exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
