package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/dbload/internal/dialect"
	"github.com/gateway-fm/dbload/internal/metrics"
	"github.com/gateway-fm/dbload/internal/ratelimit"
	"github.com/gateway-fm/dbload/pkg/types"
)

var errQuery = errors.New("syntax error at or near \"load_test\"")

// fakeSession is a scriptable dialect.Session.
type fakeSession struct {
	db *fakeDB

	pingErr   error
	insertErr error
	selectRow func(id int64) *types.Row
	maxID     int64

	nextID    int64
	inserts   int
	commits   int
	rollbacks int
	maxIDHits int
}

func (s *fakeSession) Ping(context.Context) error { return s.pingErr }

func (s *fakeSession) Insert(context.Context, string, string) (int64, error) {
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.inserts++
	s.nextID++
	return s.nextID, nil
}

func (s *fakeSession) BatchInsert(_ context.Context, _ string, _ string, n int) (int, error) {
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.inserts += n
	return n, nil
}

func (s *fakeSession) Select(_ context.Context, id int64) (*types.Row, error) {
	if s.selectRow != nil {
		return s.selectRow(id), nil
	}
	return &types.Row{ID: id}, nil
}

func (s *fakeSession) RandomSelect(ctx context.Context, maxID int64) (*types.Row, error) {
	return s.Select(ctx, dialect.RandomID(maxID))
}

func (s *fakeSession) Update(context.Context, int64) (bool, error) { return true, nil }
func (s *fakeSession) Delete(context.Context, int64) (bool, error) { return true, nil }

func (s *fakeSession) MaxID(context.Context) (int64, error) {
	s.maxIDHits++
	return s.maxID, nil
}

func (s *fakeSession) Commit() error { s.commits++; return nil }
func (s *fakeSession) Rollback()     { s.rollbacks++ }

// fakeDB hands out fakeSessions built by newSession.
type fakeDB struct {
	mu          sync.Mutex
	acquireErrs []error // consumed one per Acquire call
	newSession  func() *fakeSession

	acquires      int
	cleanReleases int
	errReleases   int
}

func (d *fakeDB) Acquire(context.Context) (dialect.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquires++
	if len(d.acquireErrs) > 0 {
		err := d.acquireErrs[0]
		d.acquireErrs = d.acquireErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &fakeSession{}
	if d.newSession != nil {
		s = d.newSession()
	}
	s.db = d
	return s, nil
}

func (d *fakeDB) Release(_ dialect.Session, isError bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if isError {
		d.errReleases++
	} else {
		d.cleanReleases++
	}
}

func (d *fakeDB) PoolStats() types.PoolStats { return types.PoolStats{} }

type sleepRecorder struct {
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) bool {
	r.sleeps = append(r.sleeps, d)
	return true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, mode types.WorkMode, db *fakeDB) (*Worker, *metrics.PerformanceCounter, *sleepRecorder) {
	t.Helper()
	counter := metrics.NewPerformanceCounter()
	rec := &sleepRecorder{}
	w := New(Config{ID: 1, Mode: mode, EndTime: time.Now().Add(time.Hour)}, db, counter, nil,
		WithLogger(quietLogger()))
	w.sleep = rec.sleep
	w.guard.sleep = rec.sleep
	return w, counter, rec
}

func TestWorkerName(t *testing.T) {
	if got := Name(7); got != "Worker-0007" {
		t.Errorf("Name(7) = %q", got)
	}
}

func TestWorkerInsertOnly(t *testing.T) {
	db := &fakeDB{}
	w, counter, _ := newTestWorker(t, types.ModeInsertOnly, db)

	for i := 0; i < 10; i++ {
		w.iterate(context.Background())
	}

	s := counter.Stats()
	if s.TotalTransactions != 10 || s.TotalInserts != 10 {
		t.Errorf("expected 10 transactions and inserts, got %+v", s)
	}
	if s.PayloadBytes != 10*DefaultPayloadSize {
		t.Errorf("expected %d payload bytes, got %d", 10*DefaultPayloadSize, s.PayloadBytes)
	}
	if db.acquires != 1 {
		t.Errorf("session should be reused, acquired %d times", db.acquires)
	}
}

func TestWorkerBatchInsert(t *testing.T) {
	db := &fakeDB{}
	counter := metrics.NewPerformanceCounter()
	w := New(Config{ID: 2, Mode: types.ModeInsertOnly, BatchSize: 50, EndTime: time.Now().Add(time.Hour)},
		db, counter, nil, WithLogger(quietLogger()))

	w.iterate(context.Background())
	w.iterate(context.Background())

	s := counter.Stats()
	if s.TotalTransactions != 2 {
		t.Errorf("a batch is one transaction: got %d", s.TotalTransactions)
	}
	if s.TotalInserts != 100 {
		t.Errorf("expected 100 inserted rows, got %d", s.TotalInserts)
	}
}

func TestWorkerDiscardsConnectionAtThreshold(t *testing.T) {
	db := &fakeDB{newSession: func() *fakeSession { return &fakeSession{insertErr: errQuery} }}
	w, counter, rec := newTestWorker(t, types.ModeInsertOnly, db)
	ctx := context.Background()

	w.iterate(ctx)
	if db.errReleases != 0 {
		t.Fatalf("discarded after one failure")
	}
	w.iterate(ctx)
	if db.errReleases != 1 {
		t.Fatalf("expected exactly one discard after two failures, got %d", db.errReleases)
	}
	if got := counter.Stats().ConnectionRecreates; got != 1 {
		t.Errorf("expected 1 connection recreate, got %d", got)
	}
	if len(rec.sleeps) != 1 || rec.sleeps[0] != DefaultBackoffBase {
		t.Errorf("expected one base backoff sleep, got %v", rec.sleeps)
	}
	if w.backoff.current != 2*DefaultBackoffBase {
		t.Errorf("next delay should double, got %v", w.backoff.current)
	}
	if got := counter.Stats().TotalErrors; got != 2 {
		t.Errorf("expected 2 errors, got %d", got)
	}
}

func TestWorkerSuccessResetsBackoff(t *testing.T) {
	db := &fakeDB{}
	w, _, _ := newTestWorker(t, types.ModeInsertOnly, db)

	w.backoff.Next()
	w.backoff.Next()
	w.consecutiveErrors = 1

	w.iterate(context.Background())
	if w.backoff.current != DefaultBackoffBase {
		t.Errorf("expected backoff reset to base, got %v", w.backoff.current)
	}
	if w.consecutiveErrors != 0 {
		t.Errorf("expected consecutive errors reset, got %d", w.consecutiveErrors)
	}
}

func TestWorkerFullModeVerification(t *testing.T) {
	db := &fakeDB{newSession: func() *fakeSession {
		return &fakeSession{selectRow: func(id int64) *types.Row { return &types.Row{ID: id + 1} }}
	}}
	w, counter, _ := newTestWorker(t, types.ModeFull, db)

	for i := 0; i < 3; i++ {
		w.iterate(context.Background())
	}

	s := counter.Stats()
	if s.VerificationFailures != 3 {
		t.Errorf("expected 3 verification failures, got %d", s.VerificationFailures)
	}
	if s.TotalTransactions != 0 {
		t.Errorf("failed verifications must not count as transactions, got %d", s.TotalTransactions)
	}
	if s.TotalErrors != 0 || db.errReleases != 0 {
		t.Errorf("verification failures are not connection errors: errors=%d discards=%d", s.TotalErrors, db.errReleases)
	}
}

func TestWorkerFullModeSuccess(t *testing.T) {
	db := &fakeDB{}
	w, counter, _ := newTestWorker(t, types.ModeFull, db)

	w.iterate(context.Background())

	s := counter.Stats()
	if s.TotalTransactions != 1 || s.TotalInserts != 1 || s.TotalSelects != 1 || s.VerificationFailures != 0 {
		t.Errorf("unexpected stats after one full transaction: %+v", s)
	}
}

func TestWorkerEmptyTableWaits(t *testing.T) {
	db := &fakeDB{}
	w, counter, rec := newTestWorker(t, types.ModeSelectOnly, db)

	w.iterate(context.Background())

	if counter.Stats().TotalTransactions != 0 {
		t.Error("no operation should run against an empty table")
	}
	if len(rec.sleeps) != 1 || rec.sleeps[0] != DefaultEmptyTableDelay {
		t.Errorf("expected a %v wait, got %v", DefaultEmptyTableDelay, rec.sleeps)
	}
}

func TestWorkerMaxIDRefresh(t *testing.T) {
	var sess *fakeSession
	db := &fakeDB{newSession: func() *fakeSession {
		sess = &fakeSession{maxID: 1000}
		return sess
	}}
	w, counter, _ := newTestWorker(t, types.ModeUpdateOnly, db)

	for i := 0; i < 250; i++ {
		w.iterate(context.Background())
	}

	if counter.Stats().TotalUpdates != 250 {
		t.Errorf("expected 250 updates, got %d", counter.Stats().TotalUpdates)
	}
	// Initial load, then after 100 and 200 transactions.
	if sess.maxIDHits != 3 {
		t.Errorf("expected 3 max id queries, got %d", sess.maxIDHits)
	}
}

func TestWorkerInitialMaxIDSkipsQuery(t *testing.T) {
	var sess *fakeSession
	db := &fakeDB{newSession: func() *fakeSession {
		sess = &fakeSession{maxID: 5}
		return sess
	}}
	counter := metrics.NewPerformanceCounter()
	w := New(Config{ID: 1, Mode: types.ModeSelectOnly, InitialMaxID: 40, EndTime: time.Now().Add(time.Hour)},
		db, counter, nil, WithLogger(quietLogger()))

	w.iterate(context.Background())
	if sess.maxIDHits != 0 {
		t.Errorf("preloaded max id should not be re-queried, got %d queries", sess.maxIDHits)
	}
}

func TestWorkerMixedModeRuns(t *testing.T) {
	db := &fakeDB{newSession: func() *fakeSession { return &fakeSession{maxID: 100} }}
	w, counter, _ := newTestWorker(t, types.ModeMixed, db)

	for i := 0; i < 2000; i++ {
		w.iterate(context.Background())
	}

	s := counter.Stats()
	if s.TotalTransactions != 2000 {
		t.Fatalf("expected 2000 transactions, got %d", s.TotalTransactions)
	}
	if s.TotalInserts == 0 || s.TotalSelects == 0 || s.TotalUpdates == 0 || s.TotalDeletes == 0 {
		t.Errorf("every operation type should occur: %+v", s)
	}
}

func TestPickMixedOpBoundaries(t *testing.T) {
	tests := []struct {
		r    float64
		want types.Operation
	}{
		{0, types.OpInsert},
		{0.5999, types.OpInsert},
		{0.60, types.OpSelect},
		{0.7999, types.OpSelect},
		{0.80, types.OpUpdate},
		{0.9499, types.OpUpdate},
		{0.95, types.OpDelete},
		{0.9999, types.OpDelete},
	}
	for _, tt := range tests {
		if got := pickMixedOp(tt.r); got != tt.want {
			t.Errorf("pickMixedOp(%v) = %s, want %s", tt.r, got, tt.want)
		}
	}
}

func TestPickMixedOpDistribution(t *testing.T) {
	const draws = 100_000
	rng := rand.New(rand.NewPCG(42, 7))

	counts := map[types.Operation]int{}
	for i := 0; i < draws; i++ {
		counts[pickMixedOp(rng.Float64())]++
	}

	want := map[types.Operation]float64{
		types.OpInsert: 0.60,
		types.OpSelect: 0.20,
		types.OpUpdate: 0.15,
		types.OpDelete: 0.05,
	}
	for op, p := range want {
		got := float64(counts[op]) / draws
		if got < p-0.02 || got > p+0.02 {
			t.Errorf("%s: frequency %.4f, want %.2f±0.02", op, got, p)
		}
	}
}

func TestWorkerRunStopsAtDeadline(t *testing.T) {
	db := &fakeDB{}
	counter := metrics.NewPerformanceCounter()
	w := New(Config{ID: 3, Mode: types.ModeInsertOnly, EndTime: time.Now().Add(50 * time.Millisecond)},
		db, counter, ratelimit.New(0), WithLogger(quietLogger()))

	done := make(chan int64)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case n := <-done:
		if n != counter.Stats().TotalTransactions {
			t.Errorf("returned %d, counter has %d", n, counter.Stats().TotalTransactions)
		}
		if n == 0 {
			t.Error("expected some transactions before the deadline")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop at its deadline")
	}

	if db.cleanReleases != 1 {
		t.Errorf("expected the session released cleanly once, got %d", db.cleanReleases)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	db := &fakeDB{}
	counter := metrics.NewPerformanceCounter()
	w := New(Config{ID: 4, Mode: types.ModeInsertOnly, EndTime: time.Now().Add(time.Hour)},
		db, counter, ratelimit.New(100), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int64)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not observe cancellation")
	}
}

func TestWorkerConnectFailureCountsError(t *testing.T) {
	connErr := errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")
	db := &fakeDB{acquireErrs: []error{connErr, connErr, connErr}}
	w, counter, rec := newTestWorker(t, types.ModeInsertOnly, db)

	w.iterate(context.Background())

	if counter.Stats().TotalErrors != 1 {
		t.Errorf("expected 1 error, got %d", counter.Stats().TotalErrors)
	}
	// Two sleeps between the three attempts, one after giving up.
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(rec.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", rec.sleeps, want)
	}
	for i := range want {
		if rec.sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, rec.sleeps[i], want[i])
		}
	}
}
