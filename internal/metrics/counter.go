// Package metrics provides the concurrent performance counter shared by all
// workers and the Prometheus exposition of the same figures.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/dbload/pkg/types"
)

const (
	// RealtimeWindow is the span of the sliding window behind realtime TPS.
	RealtimeWindow = time.Second

	// DefaultSubSecondWindow is the default span for WindowedTPS.
	DefaultSubSecondWindow = 100 * time.Millisecond
)

// Option configures a PerformanceCounter.
type Option func(*PerformanceCounter)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *PerformanceCounter) { c.now = now }
}

// WithSubSecondWindow sets the window used by Stats().WindowedTPS.
func WithSubSecondWindow(d time.Duration) Option {
	return func(c *PerformanceCounter) {
		if d > 0 {
			c.subSecondWindow = d
		}
	}
}

// WithReservoirSize sets how many recent latencies are kept.
func WithReservoirSize(n int) Option {
	return func(c *PerformanceCounter) { c.reservoir = NewLatencyReservoir(n) }
}

// PerformanceCounter aggregates operation counts, latencies and throughput
// from all workers. All methods are safe for concurrent use.
type PerformanceCounter struct {
	inserts              Counter
	selects              Counter
	updates              Counter
	deletes              Counter
	transactions         Counter
	errors               Counter
	verificationFailures Counter
	connectionRecreates  Counter
	payloadBytes         Counter
	postWarmup           Counter

	startTime       time.Time
	warmupEnd       atomic.Int64 // unix nanos, 0 when no warmup
	postWarmupStart atomic.Int64 // unix nanos of the first post-warmup transaction

	window          *slidingWindow
	reservoir       *LatencyReservoir
	hist            *intervalHistogram
	subSecondWindow time.Duration

	intervalMu sync.Mutex
	last       intervalBaseline

	seriesMu sync.Mutex
	series   []types.TimeSeriesPoint

	now func() time.Time
}

type intervalBaseline struct {
	at           time.Time
	transactions int64
	inserts      int64
	selects      int64
	updates      int64
	deletes      int64
	errors       int64
}

// NewPerformanceCounter creates a counter whose elapsed time starts now.
func NewPerformanceCounter(opts ...Option) *PerformanceCounter {
	c := &PerformanceCounter{
		window:          newSlidingWindow(RealtimeWindow),
		hist:            newIntervalHistogram(),
		subSecondWindow: DefaultSubSecondWindow,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reservoir == nil {
		c.reservoir = NewLatencyReservoir(DefaultReservoirSize)
	}
	c.startTime = c.now()
	c.last.at = c.startTime
	return c
}

// SetWarmupEnd marks the instant after which transactions count toward
// post-warmup throughput.
func (c *PerformanceCounter) SetWarmupEnd(t time.Time) {
	c.warmupEnd.Store(t.UnixNano())
}

// HasWarmup reports whether a warmup end was configured.
func (c *PerformanceCounter) HasWarmup() bool {
	return c.warmupEnd.Load() != 0
}

// IsWarmupPeriod reports whether a configured warmup is still in progress.
func (c *PerformanceCounter) IsWarmupPeriod() bool {
	we := c.warmupEnd.Load()
	return we != 0 && c.now().UnixNano() < we
}

// RecordTransaction records one completed transaction. A non-positive
// latency counts toward throughput but is not sampled.
func (c *PerformanceCounter) RecordTransaction(latencyMs float64) {
	now := c.now()
	c.transactions.Inc()

	if we := c.warmupEnd.Load(); we != 0 && now.UnixNano() >= we {
		c.postWarmupStart.CompareAndSwap(0, now.UnixNano())
		c.postWarmup.Inc()
	}

	c.window.Add(now)

	if latencyMs > 0 {
		c.reservoir.Add(latencyMs)
		c.hist.Record(latencyMs)
	}
}

// IncInsert adds n inserted rows.
func (c *PerformanceCounter) IncInsert(n int) { c.inserts.Add(int64(n)) }

// IncSelect counts one select.
func (c *PerformanceCounter) IncSelect() { c.selects.Inc() }

// IncUpdate counts one update.
func (c *PerformanceCounter) IncUpdate() { c.updates.Inc() }

// IncDelete counts one delete.
func (c *PerformanceCounter) IncDelete() { c.deletes.Inc() }

// IncError counts one failed operation.
func (c *PerformanceCounter) IncError() { c.errors.Inc() }

// IncVerificationFailure counts one read-back mismatch.
func (c *PerformanceCounter) IncVerificationFailure() { c.verificationFailures.Inc() }

// IncConnectionRecreate counts one discarded connection.
func (c *PerformanceCounter) IncConnectionRecreate() { c.connectionRecreates.Inc() }

// AddPayloadBytes adds bytes written as row payload.
func (c *PerformanceCounter) AddPayloadBytes(n int) { c.payloadBytes.Add(int64(n)) }

// InstantaneousTPS returns the number of transactions completed in the last second.
func (c *PerformanceCounter) InstantaneousTPS() float64 {
	return float64(c.window.Count(c.now()))
}

// WindowedTPS returns the rate over the last d, scaled to per second.
// Windows longer than one second are truncated by the sliding window.
func (c *PerformanceCounter) WindowedTPS(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	n := c.window.CountSince(c.now().Add(-d))
	return float64(n) / d.Seconds()
}

// LatencyStats returns statistics over the recent latency samples.
func (c *PerformanceCounter) LatencyStats() types.LatencyStats {
	return c.reservoir.Stats()
}

// IntervalStats returns counter deltas since the previous call and moves the
// baseline forward. Deltas over consecutive calls sum to the totals.
func (c *PerformanceCounter) IntervalStats() types.IntervalStats {
	c.intervalMu.Lock()
	defer c.intervalMu.Unlock()

	now := c.now()
	cur := intervalBaseline{
		at:           now,
		transactions: c.transactions.Load(),
		inserts:      c.inserts.Load(),
		selects:      c.selects.Load(),
		updates:      c.updates.Load(),
		deletes:      c.deletes.Load(),
		errors:       c.errors.Load(),
	}
	prev := c.last
	c.last = cur

	secs := now.Sub(prev.at).Seconds()
	txns := cur.transactions - prev.transactions
	var tps float64
	if secs > 0 {
		tps = float64(txns) / secs
	}
	p50, p99, _ := c.hist.TakeQuantiles()

	return types.IntervalStats{
		IntervalSeconds:      secs,
		IntervalTransactions: txns,
		IntervalTPS:          round2(tps),
		IntervalInserts:      cur.inserts - prev.inserts,
		IntervalSelects:      cur.selects - prev.selects,
		IntervalUpdates:      cur.updates - prev.updates,
		IntervalDeletes:      cur.deletes - prev.deletes,
		IntervalErrors:       cur.errors - prev.errors,
		LatencyP50:           round2(p50),
		LatencyP99:           round2(p99),
	}
}

// Stats returns a cumulative snapshot. Rates are rounded to two decimals.
func (c *PerformanceCounter) Stats() types.Stats {
	now := c.now()
	elapsed := now.Sub(c.startTime).Seconds()
	txns := c.transactions.Load()

	var avg float64
	if elapsed > 0 {
		avg = float64(txns) / elapsed
	}

	var postTPS float64
	if start := c.postWarmupStart.Load(); start != 0 {
		if secs := now.Sub(time.Unix(0, start)).Seconds(); secs > 0 {
			postTPS = float64(c.postWarmup.Load()) / secs
		}
	}

	return types.Stats{
		TotalInserts:           c.inserts.Load(),
		TotalSelects:           c.selects.Load(),
		TotalUpdates:           c.updates.Load(),
		TotalDeletes:           c.deletes.Load(),
		TotalTransactions:      txns,
		TotalErrors:            c.errors.Load(),
		VerificationFailures:   c.verificationFailures.Load(),
		ConnectionRecreates:    c.connectionRecreates.Load(),
		PayloadBytes:           c.payloadBytes.Load(),
		ElapsedSeconds:         round2(elapsed),
		AvgTPS:                 round2(avg),
		RealtimeTPS:            round2(c.InstantaneousTPS()),
		WindowedTPS:            round2(c.WindowedTPS(c.subSecondWindow)),
		PostWarmupTransactions: c.postWarmup.Load(),
		PostWarmupTPS:          round2(postTPS),
	}
}

// RecordTimeSeries appends a sample built from the current cumulative
// stats, latency and pool state.
func (c *PerformanceCounter) RecordTimeSeries(pool types.PoolStats, intervalTPS float64) types.TimeSeriesPoint {
	stats := c.Stats()
	lat := c.LatencyStats()

	p := types.TimeSeriesPoint{
		Timestamp:         c.now().UTC(),
		ElapsedSeconds:    stats.ElapsedSeconds,
		TotalTransactions: stats.TotalTransactions,
		TotalInserts:      stats.TotalInserts,
		TotalSelects:      stats.TotalSelects,
		TotalUpdates:      stats.TotalUpdates,
		TotalDeletes:      stats.TotalDeletes,
		TotalErrors:       stats.TotalErrors,
		IntervalTPS:       intervalTPS,
		RealtimeTPS:       stats.RealtimeTPS,
		AvgTPS:            stats.AvgTPS,
		LatencyAvg:        round2(lat.Avg),
		LatencyP95:        round2(lat.P95),
		LatencyP99:        round2(lat.P99),
		IsWarmup:          c.IsWarmupPeriod(),
		PoolActive:        pool.Active,
		PoolIdle:          pool.Idle,
		PoolTotal:         pool.Total,
		PoolPending:       pool.Pending,
	}

	c.seriesMu.Lock()
	c.series = append(c.series, p)
	c.seriesMu.Unlock()
	return p
}

// TimeSeries returns a copy of the recorded samples.
func (c *PerformanceCounter) TimeSeries() []types.TimeSeriesPoint {
	c.seriesMu.Lock()
	defer c.seriesMu.Unlock()
	out := make([]types.TimeSeriesPoint, len(c.series))
	copy(out, c.series)
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
