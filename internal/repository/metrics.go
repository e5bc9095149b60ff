package repository

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Document kinds used as metric labels.
const (
	kindManifest    = "manifest"
	kindMethodology = "methodology"
)

// Metrics holds Prometheus metrics for the methodology repository.
type Metrics struct {
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	FetchErrorsTotal *prometheus.CounterVec
	CacheClearsTotal prometheus.Counter
	CachedDocuments  prometheus.Gauge
	FetchDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers the repository metrics with the default
// registry. Registration happens once per process.
//
// Metrics:
//   - phased_repository_cache_hits_total{kind}
//   - phased_repository_cache_misses_total{kind}
//   - phased_repository_fetch_errors_total{kind}
//   - phased_repository_cache_clears_total
//   - phased_repository_cached_methodologies
//   - phased_repository_fetch_duration_seconds{kind}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CacheHitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phased_repository_cache_hits_total",
					Help: "Total number of repository cache hits",
				},
				[]string{"kind"}, // "manifest" or "methodology"
			),
			CacheMissesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phased_repository_cache_misses_total",
					Help: "Total number of repository cache misses",
				},
				[]string{"kind"},
			),
			FetchErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "phased_repository_fetch_errors_total",
					Help: "Total number of failed fetch or parse attempts",
				},
				[]string{"kind"},
			),
			CacheClearsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "phased_repository_cache_clears_total",
					Help: "Total number of explicit cache clears",
				},
			),
			CachedDocuments: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "phased_repository_cached_methodologies",
					Help: "Number of methodologies currently cached",
				},
			),
			FetchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "phased_repository_fetch_duration_seconds",
					Help:    "Duration of source fetches in seconds",
					Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
				},
				[]string{"kind"},
			),
		}
	})

	return globalMetrics
}

func (m *Metrics) hit(kind string) {
	if m != nil {
		m.CacheHitsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) miss(kind string) {
	if m != nil {
		m.CacheMissesTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) fetchError(kind string) {
	if m != nil {
		m.FetchErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) observeFetch(kind string, seconds float64) {
	if m != nil {
		m.FetchDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func (m *Metrics) cleared() {
	if m != nil {
		m.CacheClearsTotal.Inc()
		m.CachedDocuments.Set(0)
	}
}

func (m *Metrics) setCached(n int) {
	if m != nil {
		m.CachedDocuments.Set(float64(n))
	}
}
