package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cache result label values.
const (
	CacheHit       = "hit"
	CacheMiss      = "miss"
	CacheLoadError = "load_error"
)

// CacheMetrics holds metrics of the metadata caches.
type CacheMetrics struct {
	// RequestsTotal counts lookups.
	// Labels: cache, result (hit, miss, load_error)
	RequestsTotal *prometheus.CounterVec

	// LoadLatency tracks loader latency.
	// Labels: cache
	LoadLatency *prometheus.HistogramVec
}

// NewCacheMetricsWithRegistry creates cache metrics registered with reg.
func NewCacheMetricsWithRegistry(reg prometheus.Registerer) *CacheMetrics {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Total cache lookups, by cache and result.",
		},
		[]string{"cache", "result"},
	)
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "load_latency_seconds",
			Help:      "Latency of cache loads, by cache.",
			Buckets:   DefaultOperationLatencyBuckets,
		},
		[]string{"cache"},
	)

	reg.MustRegister(requests, latency)

	return &CacheMetrics{
		RequestsTotal: requests,
		LoadLatency:   latency,
	}
}

// RecordLookup records a lookup result.
func (m *CacheMetrics) RecordLookup(cache, result string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(cache, result).Inc()
}

// RecordLoad records how long a load took.
func (m *CacheMetrics) RecordLoad(cache string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LoadLatency.WithLabelValues(cache).Observe(durationSeconds)
}
