package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EndpointMetrics holds metrics of the endpoint manager and the
// partition-level circuit breaker.
type EndpointMetrics struct {
	// UnavailableMarksTotal counts endpoints marked unavailable.
	// Labels: endpoint, operation (read, write)
	UnavailableMarksTotal *prometheus.CounterVec

	// TopologyRefreshesTotal counts topology refreshes.
	// Labels: status (success, failure)
	TopologyRefreshesTotal *prometheus.CounterVec

	// PartitionFailoversTotal counts partitions moved to another region.
	// Labels: operation (read, write)
	PartitionFailoversTotal *prometheus.CounterVec

	// PartitionOverrides is the number of partitions currently routed away
	// from their preferred region.
	PartitionOverrides prometheus.Gauge
}

// NewEndpointMetricsWithRegistry creates endpoint metrics registered with reg.
func NewEndpointMetricsWithRegistry(reg prometheus.Registerer) *EndpointMetrics {
	marks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "unavailable_marks_total",
			Help:      "Total times an endpoint was marked unavailable, by endpoint and operation class.",
		},
		[]string{"endpoint", "operation"},
	)
	refreshes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "topology_refreshes_total",
			Help:      "Total account topology refreshes, by outcome.",
		},
		[]string{"status"},
	)
	failovers := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "partition_failovers_total",
			Help:      "Total partition key ranges moved to another region, by operation class.",
		},
		[]string{"operation"},
	)
	overrides := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "partition_overrides",
			Help:      "Partition key ranges currently routed away from their preferred region.",
		},
	)

	reg.MustRegister(marks, refreshes, failovers, overrides)

	return &EndpointMetrics{
		UnavailableMarksTotal:   marks,
		TopologyRefreshesTotal:  refreshes,
		PartitionFailoversTotal: failovers,
		PartitionOverrides:      overrides,
	}
}

// RecordUnavailable records an endpoint marked unavailable.
func (m *EndpointMetrics) RecordUnavailable(endpoint, operation string) {
	if m == nil {
		return
	}
	m.UnavailableMarksTotal.WithLabelValues(endpoint, operation).Inc()
}

// RecordRefresh records a topology refresh outcome.
func (m *EndpointMetrics) RecordRefresh(success bool) {
	if m == nil {
		return
	}
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.TopologyRefreshesTotal.WithLabelValues(status).Inc()
}

// RecordPartitionFailover records a partition moved to another region.
func (m *EndpointMetrics) RecordPartitionFailover(operation string) {
	if m == nil {
		return
	}
	m.PartitionFailoversTotal.WithLabelValues(operation).Inc()
}

// SetPartitionOverrides sets the current override count.
func (m *EndpointMetrics) SetPartitionOverrides(n int) {
	if m == nil {
		return
	}
	m.PartitionOverrides.Set(float64(n))
}
