package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/dbload/internal/metrics"
	"github.com/gateway-fm/dbload/pkg/types"
)

type staticPool types.PoolStats

func (p staticPool) PoolStats() types.PoolStats { return types.PoolStats(p) }

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	return rec
}

func TestTickLogsAndRecords(t *testing.T) {
	var buf bytes.Buffer
	counter := metrics.NewPerformanceCounter()
	prom := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	pool := staticPool{Active: 3, Idle: 2, Total: 5, Pending: 1}

	var hooked []types.TimeSeriesPoint
	m := New(counter, pool, time.Second, time.Now().Add(time.Hour),
		WithLogger(jsonLogger(&buf)),
		WithPrometheus(prom),
		WithTickHook(func(p types.TimeSeriesPoint) { hooked = append(hooked, p) }),
	)

	for i := 0; i < 4; i++ {
		counter.IncInsert(1)
		counter.AddPayloadBytes(512)
		counter.RecordTransaction(2)
	}
	counter.IncError()

	p := m.Tick()

	rec := lastLine(t, &buf)
	if rec["msg"] != "progress" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["txn"] != float64(4) || rec["ins"] != float64(4) || rec["err"] != float64(1) {
		t.Errorf("unexpected interval counts: %v", rec)
	}
	if rec["pool"] != "3/5" {
		t.Errorf("pool = %v", rec["pool"])
	}
	if rec["payload"] != "2K" {
		t.Errorf("payload = %v", rec["payload"])
	}
	if tps, ok := rec["windowTps"].(float64); !ok || tps <= 0 {
		t.Errorf("windowTps = %v, want the sub-second rate of the fresh transactions", rec["windowTps"])
	}

	if p.TotalTransactions != 4 || p.PoolActive != 3 || p.PoolPending != 1 || p.IsWarmup {
		t.Errorf("unexpected sample: %+v", p)
	}
	if len(counter.TimeSeries()) != 1 || len(hooked) != 1 {
		t.Errorf("expected one recorded and hooked sample, got %d/%d", len(counter.TimeSeries()), len(hooked))
	}
	if got := testutil.ToFloat64(prom.PoolConnections.WithLabelValues("active")); got != 3 {
		t.Errorf("active pool gauge = %v", got)
	}
}

func TestTickWarmup(t *testing.T) {
	var buf bytes.Buffer
	counter := metrics.NewPerformanceCounter()
	counter.SetWarmupEnd(time.Now().Add(time.Hour))
	prom := metrics.NewPrometheusMetrics(prometheus.NewRegistry())

	m := New(counter, nil, time.Second, time.Now().Add(time.Hour), WithLogger(jsonLogger(&buf)), WithPrometheus(prom))
	counter.RecordTransaction(1)
	p := m.Tick()

	rec := lastLine(t, &buf)
	if rec["msg"] != "[WARMUP] progress" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["avgTps"] != "-" {
		t.Errorf("avg tps during warmup = %v", rec["avgTps"])
	}
	if !p.IsWarmup {
		t.Error("sample should be flagged as warmup")
	}
	if got := testutil.ToFloat64(prom.Warmup); got != 1 {
		t.Errorf("warmup gauge = %v", got)
	}
}

func TestAvgTPS(t *testing.T) {
	s := types.Stats{AvgTPS: 12.5, PostWarmupTPS: 40.25}
	tests := []struct {
		name      string
		inWarmup  bool
		hasWarmup bool
		want      string
	}{
		{"warmup", true, true, "-"},
		{"after warmup", false, true, "40.25"},
		{"no warmup", false, false, "12.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := avgTPS(s, tt.inWarmup, tt.hasWarmup); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunStopsAtDeadline(t *testing.T) {
	var buf bytes.Buffer
	counter := metrics.NewPerformanceCounter()
	m := New(counter, nil, 10*time.Millisecond, time.Now().Add(55*time.Millisecond), WithLogger(jsonLogger(&buf)))

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop at its deadline")
	}
	if n := len(counter.TimeSeries()); n < 2 {
		t.Errorf("expected several samples before the deadline, got %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	counter := metrics.NewPerformanceCounter()
	m := New(counter, nil, time.Hour, time.Now().Add(time.Hour), WithLogger(slog.New(slog.DiscardHandler)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
	if n := len(counter.TimeSeries()); n != 0 {
		t.Errorf("no samples expected, got %d", n)
	}
}
