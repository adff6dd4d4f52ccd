// Package monitor periodically logs run progress and samples the time series.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/gateway-fm/dbload/internal/metrics"
	"github.com/gateway-fm/dbload/pkg/types"
)

// DefaultInterval is the reporting period when none is configured.
const DefaultInterval = 5 * time.Second

// PoolStater reports connection pool occupancy.
type PoolStater interface {
	PoolStats() types.PoolStats
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the progress logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithPrometheus updates gauges on every tick.
func WithPrometheus(p *metrics.PrometheusMetrics) Option {
	return func(m *Monitor) { m.prom = p }
}

// WithTickHook registers fn to receive every recorded sample.
func WithTickHook(fn func(types.TimeSeriesPoint)) Option {
	return func(m *Monitor) { m.hooks = append(m.hooks, fn) }
}

// Monitor reports progress every interval until its deadline or until the
// context is cancelled.
type Monitor struct {
	counter  *metrics.PerformanceCounter
	pool     PoolStater
	interval time.Duration
	endTime  time.Time

	logger *slog.Logger
	prom   *metrics.PrometheusMetrics
	hooks  []func(types.TimeSeriesPoint)

	now func() time.Time
}

// New creates a monitor. interval <= 0 uses DefaultInterval.
func New(counter *metrics.PerformanceCounter, pool PoolStater, interval time.Duration, endTime time.Time, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		counter:  counter,
		pool:     pool,
		interval: interval,
		endTime:  endTime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Run blocks until ctx is done or the deadline passes.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !m.now().Before(m.endTime) {
			return
		}
		m.Tick()
		timer.Reset(m.interval)
	}
}

// Tick logs one progress line, updates gauges and records a time-series
// sample, which it returns.
func (m *Monitor) Tick() types.TimeSeriesPoint {
	iv := m.counter.IntervalStats()
	stats := m.counter.Stats()
	lat := m.counter.LatencyStats()
	var pool types.PoolStats
	if m.pool != nil {
		pool = m.pool.PoolStats()
	}
	warmup := m.counter.IsWarmupPeriod()

	msg := "progress"
	if warmup {
		msg = "[WARMUP] progress"
	}
	m.logger.Info(msg,
		"txn", iv.IntervalTransactions,
		"ins", iv.IntervalInserts,
		"sel", iv.IntervalSelects,
		"upd", iv.IntervalUpdates,
		"del", iv.IntervalDeletes,
		"err", iv.IntervalErrors,
		"avgTps", avgTPS(stats, warmup, m.counter.HasWarmup()),
		"rtTps", stats.RealtimeTPS,
		"windowTps", stats.WindowedTPS,
		"intervalTps", iv.IntervalTPS,
		"p95Ms", round2(lat.P95),
		"p99Ms", round2(lat.P99),
		"intervalP99Ms", iv.LatencyP99,
		"pool", fmt.Sprintf("%d/%d", pool.Active, pool.Total),
		"pending", pool.Pending,
		"payload", bytefmt.ByteSize(uint64(stats.PayloadBytes)),
	)

	m.prom.SetCurrentTPS(stats.RealtimeTPS)
	m.prom.SetPool(pool)
	m.prom.SetWarmup(warmup)

	p := m.counter.RecordTimeSeries(pool, iv.IntervalTPS)
	for _, fn := range m.hooks {
		fn(p)
	}
	return p
}

// avgTPS is "-" during warmup, the post-warmup rate once a warmup has
// passed and the plain average otherwise.
func avgTPS(s types.Stats, inWarmup, hasWarmup bool) string {
	switch {
	case inWarmup:
		return "-"
	case hasWarmup:
		return fmt.Sprintf("%.2f", s.PostWarmupTPS)
	default:
		return fmt.Sprintf("%.2f", s.AvgTPS)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
