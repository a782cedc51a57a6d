package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics mirrors the collector's samples into a private Prometheus
// registry so the REST adapter can expose /metrics without the rest of the
// process touching the default registry.
type promMetrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codelens",
			Name:      "requests_total",
			Help:      "Analyzer operations by layer.",
		}, []string{"layer", "operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codelens",
			Name:      "request_duration_ms",
			Help:      "Operation latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"layer"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codelens",
			Name:      "errors_total",
			Help:      "Recorded errors by layer.",
		}, []string{"layer"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codelens",
			Name:      "cache_hits_total",
			Help:      "Cache hits across tiers.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codelens",
			Name:      "cache_misses_total",
			Help:      "Cache misses across tiers.",
		}),
	}

	m.registry.MustRegister(m.requests, m.latency, m.errorsTotal, m.cacheHits, m.cacheMisses)
	return m
}

func (m *promMetrics) observe(layer, operation string, ms float64, cacheHit bool, errorCount int) {
	m.requests.WithLabelValues(layer, operation).Inc()
	m.latency.WithLabelValues(layer).Observe(ms)
	if errorCount > 0 {
		m.errorsTotal.WithLabelValues(layer).Add(float64(errorCount))
	}
	if cacheHit {
		m.cacheHits.Inc()
	}
}

// Registry exposes the private registry for the /metrics handler.
func (s *Service) Registry() *prometheus.Registry {
	return s.metrics.registry
}
