// Package runner orchestrates a load test run: schema preparation, worker
// fan-out with ramp-up, progress monitoring and bounded shutdown.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/dbload/internal/dialect"
	"github.com/gateway-fm/dbload/internal/metrics"
	"github.com/gateway-fm/dbload/internal/monitor"
	"github.com/gateway-fm/dbload/internal/ratelimit"
	"github.com/gateway-fm/dbload/internal/worker"
	"github.com/gateway-fm/dbload/pkg/types"
)

const (
	// DefaultShutdownGrace bounds the wait for workers to drain.
	DefaultShutdownGrace = 30 * time.Second
	// DefaultMonitorStop bounds the wait for the monitor's last sample.
	DefaultMonitorStop = 5 * time.Second
)

// ErrAlreadyRunning is returned when Run is called twice on the same Runner.
var ErrAlreadyRunning = errors.New("run already started")

// Target is the database a run is executed against.
type Target interface {
	dialect.Database
	SetupSchema(ctx context.Context) error
	Truncate(ctx context.Context) error
	MaxID(ctx context.Context) (int64, error)
}

// Config describes one run.
type Config struct {
	RunID             string
	DBType            string
	Mode              types.WorkMode
	Threads           int
	Duration          time.Duration
	Warmup            time.Duration
	RampUp            time.Duration
	TargetTPS         int
	BatchSize         int
	PayloadSize       int
	MonitorInterval   time.Duration
	ValidationTimeout time.Duration
	SkipSchemaSetup   bool
	Truncate          bool

	// ShutdownGrace bounds the wait for workers after the deadline or a stop.
	ShutdownGrace time.Duration
}

// Result is the outcome of a finished run.
type Result struct {
	RunID              string                  `json:"runId"`
	Status             types.RunStatus         `json:"status"`
	StartedAt          time.Time               `json:"startedAt"`
	EndedAt            time.Time               `json:"endedAt"`
	Interrupted        bool                    `json:"interrupted"`
	Stats              types.Stats             `json:"stats"`
	Latency            types.LatencyStats      `json:"latency"`
	TimeSeries         []types.TimeSeriesPoint `json:"timeSeries"`
	WorkersLaunched    int                     `json:"workersLaunched"`
	WorkersAbandoned   int                     `json:"workersAbandoned"`
	WorkerTransactions int64                   `json:"workerTransactions"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithPrometheus enables Prometheus recording for the run.
func WithPrometheus(m *metrics.PrometheusMetrics) Option {
	return func(r *Runner) { r.prom = m }
}

// WithTickHook forwards every monitor sample to fn.
func WithTickHook(fn func(types.TimeSeriesPoint)) Option {
	return func(r *Runner) { r.hooks = append(r.hooks, fn) }
}

// Runner executes a single run. Status and Stop are safe to call from other
// goroutines while Run is in progress.
type Runner struct {
	cfg     Config
	target  Target
	counter *metrics.PerformanceCounter
	logger  *slog.Logger
	prom    *metrics.PrometheusMetrics
	hooks   []func(types.TimeSeriesPoint)

	mu        sync.RWMutex
	status    types.RunStatus
	err       string
	cancel    context.CancelFunc
	stopped   bool
	started   bool
	startedAt time.Time
	warmupEnd time.Time
	endsAt    time.Time

	active    atomic.Int64
	finished  atomic.Int64
	workerTxn atomic.Int64
}

// New creates a Runner. The counter is owned by the run and must be fresh.
func New(cfg Config, target Target, counter *metrics.PerformanceCounter, opts ...Option) *Runner {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Mode == "" {
		cfg.Mode = types.ModeFull
	}
	r := &Runner{
		cfg:     cfg,
		target:  target,
		counter: counter,
		status:  types.StatusIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run executes the run to completion. It returns an error only when the run
// could not start; a stop request or cancelled ctx ends the run early with a
// normal Result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.started = true
	r.cancel = cancel
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		cancel()
	}

	r.setStatus(types.StatusPreparing)

	if !r.cfg.SkipSchemaSetup {
		if err := r.target.SetupSchema(runCtx); err != nil {
			return nil, r.fail(fmt.Errorf("schema setup: %w", err))
		}
	}
	if r.cfg.Truncate {
		if err := r.target.Truncate(runCtx); err != nil {
			return nil, r.fail(err)
		}
		r.logger.Info("table truncated", "table", dialect.TableName)
	}

	var initialMaxID int64
	if r.cfg.Mode.NeedsExistingRows() {
		id, err := r.target.MaxID(runCtx)
		if err != nil {
			r.logger.Warn("could not preload max id, workers will query it", "error", err)
		} else {
			initialMaxID = id
			r.logger.Info("existing rows detected", "max_id", id)
		}
	}

	start := time.Now()
	warmupEnd := start.Add(r.cfg.Warmup)
	end := warmupEnd.Add(r.cfg.Duration)
	if r.cfg.Warmup > 0 {
		r.counter.SetWarmupEnd(warmupEnd)
	}

	r.mu.Lock()
	r.startedAt = start
	r.warmupEnd = warmupEnd
	r.endsAt = end
	r.mu.Unlock()

	limiter := ratelimit.New(r.cfg.TargetTPS)
	r.prom.SetTargetTPS(r.cfg.TargetTPS)
	errLog := worker.NewErrorLogger(r.logger, worker.DefaultErrorLogInterval)

	monOpts := []monitor.Option{monitor.WithLogger(r.logger), monitor.WithPrometheus(r.prom)}
	for _, h := range r.hooks {
		monOpts = append(monOpts, monitor.WithTickHook(h))
	}
	mon := monitor.New(r.counter, r.target, r.cfg.MonitorInterval, end, monOpts...)
	monCtx, stopMon := context.WithCancel(runCtx)
	defer stopMon()
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(monCtx)
	}()

	r.setStatus(types.StatusRunning)
	r.logger.Info("test started",
		"run_id", r.cfg.RunID,
		"db_type", r.cfg.DBType,
		"mode", r.cfg.Mode,
		"threads", r.cfg.Threads,
		"duration", r.cfg.Duration,
		"warmup", r.cfg.Warmup,
		"ramp_up", r.cfg.RampUp,
		"target_tps", r.cfg.TargetTPS,
		"batch_size", r.cfg.BatchSize,
	)

	var wg sync.WaitGroup
	launched := r.launch(runCtx, &wg, limiter, errLog, initialMaxID, end)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := time.NewTimer(time.Until(end))
	defer deadline.Stop()
	select {
	case <-done:
	case <-runCtx.Done():
	case <-deadline.C:
	}
	interrupted := runCtx.Err() != nil && time.Now().Before(end)
	if interrupted {
		r.setStatus(types.StatusStopping)
	}

	abandoned := 0
	select {
	case <-done:
	default:
		r.logger.Info("waiting for workers to finish", "grace", r.cfg.ShutdownGrace)
		select {
		case <-done:
		case <-time.After(r.cfg.ShutdownGrace):
			abandoned = launched - int(r.finished.Load())
			r.logger.Warn("workers did not stop within grace period", "abandoned", abandoned)
		}
	}

	stopMon()
	select {
	case <-monDone:
	case <-time.After(DefaultMonitorStop):
		r.logger.Warn("monitor did not stop in time")
	}

	res := &Result{
		RunID:              r.cfg.RunID,
		Status:             types.StatusCompleted,
		StartedAt:          start,
		EndedAt:            time.Now(),
		Interrupted:        interrupted,
		Stats:              r.counter.Stats(),
		Latency:            r.counter.LatencyStats(),
		TimeSeries:         r.counter.TimeSeries(),
		WorkersLaunched:    launched,
		WorkersAbandoned:   abandoned,
		WorkerTransactions: r.workerTxn.Load(),
	}
	r.setStatus(types.StatusCompleted)

	r.logger.Info("test completed",
		"run_id", r.cfg.RunID,
		"interrupted", interrupted,
		"transactions", res.Stats.TotalTransactions,
		"errors", res.Stats.TotalErrors,
		"avg_tps", res.Stats.AvgTPS,
		"post_warmup_tps", res.Stats.PostWarmupTPS,
		"p99_ms", res.Latency.P99,
		"abandoned_workers", abandoned,
	)
	return res, nil
}

// launch starts the workers, spacing them by RampUp/Threads. It stops
// launching once ctx is done and returns the number started.
func (r *Runner) launch(ctx context.Context, wg *sync.WaitGroup, limiter *ratelimit.Limiter,
	errLog *worker.ErrorLogger, initialMaxID int64, end time.Time) int {
	stagger := r.cfg.RampUp / time.Duration(r.cfg.Threads)

	launched := 0
	for i := 0; i < r.cfg.Threads; i++ {
		if i > 0 && stagger > 0 && !sleepCtx(ctx, stagger) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		w := worker.New(worker.Config{
			ID:                i + 1,
			Mode:              r.cfg.Mode,
			BatchSize:         r.cfg.BatchSize,
			PayloadSize:       r.cfg.PayloadSize,
			EndTime:           end,
			InitialMaxID:      initialMaxID,
			ValidationTimeout: r.cfg.ValidationTimeout,
		}, r.target, r.counter, limiter,
			worker.WithLogger(r.logger),
			worker.WithErrorLogger(errLog),
			worker.WithPrometheus(r.prom),
		)

		wg.Add(1)
		launched++
		r.active.Add(1)
		go func() {
			defer wg.Done()
			defer r.active.Add(-1)
			r.workerTxn.Add(w.Run(ctx))
			r.finished.Add(1)
		}()
	}
	if launched < r.cfg.Threads {
		r.logger.Info("ramp-up aborted", "launched", launched, "threads", r.cfg.Threads)
	}
	return launched
}

// Stop requests shutdown. It is safe to call more than once and before Run.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("stop requested", "run_id", r.cfg.RunID)
}

// Status returns a live snapshot of the run.
func (r *Runner) Status() types.LiveStatus {
	r.mu.RLock()
	status := r.status
	errMsg := r.err
	startedAt, warmupEnd, endsAt := r.startedAt, r.warmupEnd, r.endsAt
	r.mu.RUnlock()

	if status == types.StatusRunning && r.counter.IsWarmupPeriod() {
		status = types.StatusWarmup
	}

	ls := types.LiveStatus{
		RunID:         r.cfg.RunID,
		Status:        status,
		DBType:        r.cfg.DBType,
		Mode:          r.cfg.Mode,
		Threads:       r.cfg.Threads,
		ActiveWorkers: int(r.active.Load()),
		TargetTPS:     r.cfg.TargetTPS,
		Error:         errMsg,
	}
	if startedAt.IsZero() {
		return ls
	}

	ls.Stats = r.counter.Stats()
	ls.Latency = r.counter.LatencyStats()
	ls.StartedAt = &startedAt
	ls.EndsAt = &endsAt
	if r.cfg.Warmup > 0 {
		ls.WarmupEndsAt = &warmupEnd
	}
	if status == types.StatusRunning || status == types.StatusWarmup || status == types.StatusStopping {
		ls.Pool = r.target.PoolStats()
		if rem := time.Until(endsAt); rem > 0 {
			ls.Remaining = rem
		}
	}
	return ls
}

func (r *Runner) setStatus(s types.RunStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
	r.prom.SetRunStatus(s)
}

func (r *Runner) fail(err error) error {
	r.mu.Lock()
	r.status = types.StatusError
	r.err = err.Error()
	r.mu.Unlock()
	r.prom.SetRunStatus(types.StatusError)
	r.logger.Error("run failed", "run_id", r.cfg.RunID, "error", err)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
