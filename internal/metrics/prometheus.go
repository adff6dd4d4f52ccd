package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/dbload/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the load generator.
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	// Operation counters
	OperationsTotal      *prometheus.CounterVec
	TransactionsTotal    prometheus.Counter
	VerificationFailures prometheus.Counter
	ConnectionRecreates  prometheus.Counter

	// Gauges
	CurrentTPS      prometheus.Gauge
	TargetTPS       prometheus.Gauge
	PoolConnections *prometheus.GaugeVec
	Warmup          prometheus.Gauge
	RunStatus       *prometheus.GaugeVec

	// Histograms
	OperationLatency *prometheus.HistogramVec

	// Error tracking
	ErrorsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbload_operations_total",
				Help: "Database operations by type and outcome",
			},
			[]string{"operation", "status"},
		),

		TransactionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dbload_transactions_total",
				Help: "Completed transactions",
			},
		),

		VerificationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dbload_verification_failures_total",
				Help: "Rows that did not read back as written",
			},
		),

		ConnectionRecreates: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dbload_connection_recreates_total",
				Help: "Connections discarded after repeated errors",
			},
		),

		CurrentTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbload_current_tps",
				Help: "Transactions completed in the last second",
			},
		),

		TargetTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbload_target_tps",
				Help: "Configured rate limit (0 when unlimited)",
			},
		),

		PoolConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbload_pool_connections",
				Help: "Connection pool state",
			},
			[]string{"state"},
		),

		Warmup: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbload_warmup",
				Help: "1 while the run is in warmup",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbload_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		OperationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbload_operation_latency_seconds",
				Help:    "Operation latency including commit",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbload_errors_total",
				Help: "Errors by category",
			},
			[]string{"category"},
		),
	}
}

// RecordOperation records a finished operation and its latency.
func (m *PrometheusMetrics) RecordOperation(op types.Operation, success bool, latencySeconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(string(op), status).Inc()
	if success {
		m.TransactionsTotal.Inc()
		m.OperationLatency.WithLabelValues(string(op)).Observe(latencySeconds)
	}
}

// RecordError records an error. Categories are a fixed set chosen by the caller.
func (m *PrometheusMetrics) RecordError(category string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

// RecordVerificationFailure records a read-back mismatch.
func (m *PrometheusMetrics) RecordVerificationFailure() {
	if m == nil {
		return
	}
	m.VerificationFailures.Inc()
}

// RecordConnectionRecreate records a discarded connection.
func (m *PrometheusMetrics) RecordConnectionRecreate() {
	if m == nil {
		return
	}
	m.ConnectionRecreates.Inc()
}

// SetCurrentTPS updates the current TPS gauge.
func (m *PrometheusMetrics) SetCurrentTPS(tps float64) {
	if m == nil {
		return
	}
	m.CurrentTPS.Set(tps)
}

// SetTargetTPS updates the target TPS gauge.
func (m *PrometheusMetrics) SetTargetTPS(tps int) {
	if m == nil {
		return
	}
	m.TargetTPS.Set(float64(tps))
}

// SetPool updates the pool gauges.
func (m *PrometheusMetrics) SetPool(p types.PoolStats) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues("active").Set(float64(p.Active))
	m.PoolConnections.WithLabelValues("idle").Set(float64(p.Idle))
	m.PoolConnections.WithLabelValues("pending").Set(float64(p.Pending))
}

// SetWarmup updates the warmup gauge.
func (m *PrometheusMetrics) SetWarmup(active bool) {
	if m == nil {
		return
	}
	if active {
		m.Warmup.Set(1)
	} else {
		m.Warmup.Set(0)
	}
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	if m == nil {
		return
	}
	for _, s := range []types.RunStatus{
		types.StatusIdle, types.StatusPreparing, types.StatusWarmup, types.StatusRunning,
		types.StatusStopping, types.StatusCompleted, types.StatusError,
	} {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}

