package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics holds metrics of the gateway pipeline.
type PipelineMetrics struct {
	// OperationLatency tracks end-to-end latency of logical operations.
	// Labels: operation, status (success, failure)
	OperationLatency *prometheus.HistogramVec

	// OperationsTotal counts logical operations by outcome.
	// Labels: operation, status
	OperationsTotal *prometheus.CounterVec

	// AttemptsTotal counts individual sends by region endpoint and HTTP status.
	// Labels: endpoint, status_code
	AttemptsTotal *prometheus.CounterVec

	// DecisionsTotal counts retry decisions.
	// Labels: decision
	DecisionsTotal *prometheus.CounterVec

	// ThrottleDelaySeconds tracks delays slept because of 429 responses.
	ThrottleDelaySeconds prometheus.Histogram
}

// DefaultOperationLatencyBuckets covers single-digit milliseconds up to
// calls that spent most of a one minute deadline retrying.
var DefaultOperationLatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// DefaultThrottleDelayBuckets covers backoff and retry-after delays.
var DefaultThrottleDelayBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewPipelineMetricsWithRegistry creates pipeline metrics registered with reg.
func NewPipelineMetricsWithRegistry(reg prometheus.Registerer) *PipelineMetrics {
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "operation_latency_seconds",
			Help:      "Latency of logical operations including retries, by operation and outcome.",
			Buckets:   DefaultOperationLatencyBuckets,
		},
		[]string{"operation", "status"},
	)
	operations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "operations_total",
			Help:      "Total logical operations, by operation and outcome.",
		},
		[]string{"operation", "status"},
	)
	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "attempts_total",
			Help:      "Total sends, by endpoint and status code (0 for transport errors).",
		},
		[]string{"endpoint", "status_code"},
	)
	decisions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retry_decisions_total",
			Help:      "Total retry decisions, by decision kind.",
		},
		[]string{"decision"},
	)
	throttle := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "throttle_delay_seconds",
			Help:      "Delays slept before retrying throttled requests.",
			Buckets:   DefaultThrottleDelayBuckets,
		},
	)

	reg.MustRegister(latency, operations, attempts, decisions, throttle)

	return &PipelineMetrics{
		OperationLatency:     latency,
		OperationsTotal:      operations,
		AttemptsTotal:        attempts,
		DecisionsTotal:       decisions,
		ThrottleDelaySeconds: throttle,
	}
}

// RecordOperation records a finished logical operation.
func (m *PipelineMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.OperationLatency.WithLabelValues(operation, status).Observe(durationSeconds)
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAttempt records one send.
func (m *PipelineMetrics) RecordAttempt(endpoint, statusCode string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(endpoint, statusCode).Inc()
}

// RecordDecision records a retry decision.
func (m *PipelineMetrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordThrottleDelay records a throttle sleep.
func (m *PipelineMetrics) RecordThrottleDelay(seconds float64) {
	if m == nil {
		return
	}
	m.ThrottleDelaySeconds.Observe(seconds)
}
