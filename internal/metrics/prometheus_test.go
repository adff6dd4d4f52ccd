package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/dbload/pkg/types"
)

func TestPrometheusMetricsRecordOperation(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordOperation(types.OpInsert, true, 0.002)
	m.RecordOperation(types.OpInsert, true, 0.003)
	m.RecordOperation(types.OpInsert, false, 0.1)

	if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("insert", "success")); got != 2 {
		t.Errorf("expected 2 successful inserts, got %v", got)
	}
	if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("insert", "error")); got != 1 {
		t.Errorf("expected 1 failed insert, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransactionsTotal); got != 2 {
		t.Errorf("expected 2 transactions, got %v", got)
	}
}

func TestPrometheusMetricsRunStatus(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())
	m.SetRunStatus(types.StatusRunning)

	if got := testutil.ToFloat64(m.RunStatus.WithLabelValues("running")); got != 1 {
		t.Errorf("running: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunStatus.WithLabelValues("idle")); got != 0 {
		t.Errorf("idle: expected 0, got %v", got)
	}

	m.SetRunStatus(types.StatusCompleted)
	if got := testutil.ToFloat64(m.RunStatus.WithLabelValues("running")); got != 0 {
		t.Errorf("running after completion: expected 0, got %v", got)
	}
}

func TestPrometheusMetricsNilSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordOperation(types.OpSelect, true, 1)
	m.RecordError("query")
	m.SetPool(types.PoolStats{Active: 1})
	m.SetWarmup(true)
	m.SetRunStatus(types.StatusRunning)
}
