// Package worker implements the per-worker transaction loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gateway-fm/dbload/internal/dialect"
	"github.com/gateway-fm/dbload/internal/metrics"
	"github.com/gateway-fm/dbload/internal/ratelimit"
	"github.com/gateway-fm/dbload/pkg/types"
)

const (
	// DefaultAcquireTimeout bounds one wait for a rate limiter token.
	DefaultAcquireTimeout = 500 * time.Millisecond

	// DefaultPayloadSize is the length of the random value written per row.
	DefaultPayloadSize = 500

	// DefaultErrorThreshold is the consecutive error count at which the
	// worker discards its session and backs off.
	DefaultErrorThreshold = 2

	// DefaultMaxIDRefresh is the number of transactions between max id refreshes.
	DefaultMaxIDRefresh = 100

	// DefaultEmptyTableDelay is the pause when an operation needs existing
	// rows and the table has none.
	DefaultEmptyTableDelay = time.Second
)

// ErrVerification is returned when a row inserted in full mode does not read back.
var ErrVerification = errors.New("verification failed")

const payloadChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Config holds per-worker settings.
type Config struct {
	ID                int
	Mode              types.WorkMode
	BatchSize         int
	PayloadSize       int
	EndTime           time.Time
	InitialMaxID      int64
	AcquireTimeout    time.Duration // rate limiter wait per iteration
	ValidationTimeout time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithErrorLogger shares an ErrorLogger between workers.
func WithErrorLogger(l *ErrorLogger) Option {
	return func(w *Worker) { w.errLog = l }
}

// WithPrometheus enables Prometheus recording.
func WithPrometheus(m *metrics.PrometheusMetrics) Option {
	return func(w *Worker) { w.prom = m }
}

// Worker runs transactions against the database until its deadline or until
// its context is cancelled.
type Worker struct {
	cfg     Config
	name    string
	db      dialect.Database
	counter *metrics.PerformanceCounter
	limiter *ratelimit.Limiter
	prom    *metrics.PrometheusMetrics
	logger  *slog.Logger
	errLog  *ErrorLogger

	guard   *ConnectionGuard
	backoff *Backoff
	rng     *rand.Rand

	consecutiveErrors int
	maxID             int64
	sinceRefresh      int
	transactions      int64

	now   func() time.Time
	sleep func(context.Context, time.Duration) bool
}

// New creates a worker. limiter may be nil for unlimited runs.
func New(cfg Config, db dialect.Database, counter *metrics.PerformanceCounter, limiter *ratelimit.Limiter, opts ...Option) *Worker {
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = DefaultPayloadSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}

	backoff := NewBackoff(DefaultBackoffBase, DefaultBackoffMax)
	w := &Worker{
		cfg:     cfg,
		name:    Name(cfg.ID),
		db:      db,
		counter: counter,
		limiter: limiter,
		backoff: backoff,
		guard:   NewConnectionGuard(db, backoff, cfg.ValidationTimeout),
		rng:     rand.New(rand.NewPCG(uint64(cfg.ID), uint64(time.Now().UnixNano()))),
		maxID:   cfg.InitialMaxID,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.errLog == nil {
		w.errLog = NewErrorLogger(w.logger, DefaultErrorLogInterval)
	}
	w.guard.sleep = w.sleep
	return w
}

// Name formats a worker id as used in logs and the thread_id column.
func Name(id int) string {
	return fmt.Sprintf("Worker-%04d", id)
}

// Name returns the worker's name.
func (w *Worker) Name() string {
	return w.name
}

// Run executes the loop and returns the number of completed transactions.
// In-flight statements are not interrupted by cancellation.
func (w *Worker) Run(ctx context.Context) int64 {
	w.logger.Info("worker starting", "worker", w.name, "mode", w.cfg.Mode)
	defer w.guard.Close()

	for ctx.Err() == nil && w.now().Before(w.cfg.EndTime) {
		if w.limiter != nil && !w.limiter.Acquire(ctx, w.cfg.AcquireTimeout) {
			continue
		}
		w.iterate(ctx)
	}

	w.logger.Info("worker completed", "worker", w.name, "transactions", w.transactions)
	return w.transactions
}

// iterate runs one loop iteration after the rate limiter admitted it.
func (w *Worker) iterate(ctx context.Context) {
	sess, err := w.guard.Ensure(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.counter.IncError()
		w.prom.RecordError("connection")
		w.errLog.Log(w.name, "connect", err)
		w.sleep(ctx, w.backoff.Next())
		return
	}

	dbCtx := context.WithoutCancel(ctx)

	if w.cfg.Mode.NeedsExistingRows() && (w.maxID <= 0 || w.sinceRefresh >= DefaultMaxIDRefresh) {
		id, err := sess.MaxID(dbCtx)
		if err != nil {
			w.counter.IncError()
			w.prom.RecordError(ErrorCategory(err))
			w.errLog.Log(w.name, "max-id", err)
			w.onFailure(ctx)
			return
		}
		w.maxID = id
		w.sinceRefresh = 0
		if id == 0 {
			w.guard.MarkUsed(true)
			w.sleep(ctx, DefaultEmptyTableDelay)
			return
		}
	}

	err = w.dispatch(dbCtx, sess)
	switch {
	case err == nil:
		w.guard.MarkUsed(true)
		w.consecutiveErrors = 0
		w.backoff.Reset()
	case errors.Is(err, ErrVerification):
		// The session worked; the data did not match.
		w.guard.MarkUsed(true)
	default:
		w.guard.MarkUsed(false)
		w.onFailure(ctx)
	}
}

// onFailure counts a failed operation and discards the session once the
// consecutive error threshold is reached.
func (w *Worker) onFailure(ctx context.Context) {
	w.consecutiveErrors++
	if w.consecutiveErrors < DefaultErrorThreshold {
		return
	}
	w.guard.Discard()
	w.counter.IncConnectionRecreate()
	w.prom.RecordConnectionRecreate()
	w.consecutiveErrors = 0
	w.sleep(ctx, w.backoff.Next())
}

func (w *Worker) dispatch(ctx context.Context, s dialect.Session) error {
	switch w.cfg.Mode {
	case types.ModeInsertOnly:
		return w.insert(ctx, s)
	case types.ModeSelectOnly:
		return w.selectRow(ctx, s)
	case types.ModeUpdateOnly:
		return w.update(ctx, s)
	case types.ModeDeleteOnly:
		return w.delete(ctx, s)
	case types.ModeMixed:
		switch pickMixedOp(w.rng.Float64()) {
		case types.OpInsert:
			return w.insert(ctx, s)
		case types.OpSelect:
			return w.selectRow(ctx, s)
		case types.OpUpdate:
			return w.update(ctx, s)
		default:
			return w.delete(ctx, s)
		}
	default:
		return w.full(ctx, s)
	}
}

// pickMixedOp maps a uniform draw in [0,1) to 60% insert, 20% select,
// 15% update and 5% delete.
func pickMixedOp(r float64) types.Operation {
	switch {
	case r < 0.60:
		return types.OpInsert
	case r < 0.80:
		return types.OpSelect
	case r < 0.95:
		return types.OpUpdate
	default:
		return types.OpDelete
	}
}

func (w *Worker) insert(ctx context.Context, s dialect.Session) error {
	start := w.now()
	payload := w.payload()

	rows := 1
	var id int64
	var err error
	if w.cfg.BatchSize > 1 {
		rows, err = s.BatchInsert(ctx, w.name, payload, w.cfg.BatchSize)
	} else {
		id, err = s.Insert(ctx, w.name, payload)
	}
	if err == nil {
		err = s.Commit()
	}
	if err != nil {
		return w.fail(s, types.OpInsert, err)
	}

	if id > w.maxID {
		w.maxID = id
	}
	w.counter.IncInsert(rows)
	w.counter.AddPayloadBytes(rows * len(payload))
	w.complete(types.OpInsert, start)
	return nil
}

func (w *Worker) selectRow(ctx context.Context, s dialect.Session) error {
	start := w.now()
	if _, err := s.RandomSelect(ctx, w.maxID); err != nil {
		return w.fail(s, types.OpSelect, err)
	}
	w.counter.IncSelect()
	w.complete(types.OpSelect, start)
	return nil
}

func (w *Worker) update(ctx context.Context, s dialect.Session) error {
	start := w.now()
	if id := dialect.RandomID(w.maxID); id > 0 {
		_, err := s.Update(ctx, id)
		if err == nil {
			err = s.Commit()
		}
		if err != nil {
			return w.fail(s, types.OpUpdate, err)
		}
	}
	w.counter.IncUpdate()
	w.complete(types.OpUpdate, start)
	return nil
}

func (w *Worker) delete(ctx context.Context, s dialect.Session) error {
	start := w.now()
	if id := dialect.RandomID(w.maxID); id > 0 {
		_, err := s.Delete(ctx, id)
		if err == nil {
			err = s.Commit()
		}
		if err != nil {
			return w.fail(s, types.OpDelete, err)
		}
	}
	w.counter.IncDelete()
	w.complete(types.OpDelete, start)
	return nil
}

// full inserts a row, commits, then reads it back by id.
func (w *Worker) full(ctx context.Context, s dialect.Session) error {
	start := w.now()
	payload := w.payload()

	id, err := s.Insert(ctx, w.name, payload)
	if err == nil {
		err = s.Commit()
	}
	if err != nil {
		return w.fail(s, types.OpFull, err)
	}
	w.counter.IncInsert(1)
	w.counter.AddPayloadBytes(len(payload))

	row, err := s.Select(ctx, id)
	if err != nil {
		return w.fail(s, types.OpFull, err)
	}
	w.counter.IncSelect()

	if row == nil || row.ID != id {
		w.counter.IncVerificationFailure()
		w.prom.RecordVerificationFailure()
		err := fmt.Errorf("%w: row %d", ErrVerification, id)
		w.errLog.Log(w.name, string(types.OpFull), err)
		return err
	}

	w.complete(types.OpFull, start)
	return nil
}

func (w *Worker) complete(op types.Operation, start time.Time) {
	elapsed := w.now().Sub(start)
	w.counter.RecordTransaction(float64(elapsed.Nanoseconds()) / 1e6)
	w.prom.RecordOperation(op, true, elapsed.Seconds())
	w.transactions++
	w.sinceRefresh++
}

func (w *Worker) fail(s dialect.Session, op types.Operation, err error) error {
	s.Rollback()
	w.counter.IncError()
	w.prom.RecordOperation(op, false, 0)
	w.prom.RecordError(ErrorCategory(err))
	w.errLog.Log(w.name, string(op), err)
	return err
}

func (w *Worker) payload() string {
	b := make([]byte, w.cfg.PayloadSize)
	for i := range b {
		b[i] = payloadChars[w.rng.IntN(len(payloadChars))]
	}
	return string(b)
}
