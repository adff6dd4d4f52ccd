package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/gateway-fm/dbload/internal/dialect"
)

const (
	// DefaultAcquireAttempts bounds connection acquisition per Ensure call.
	DefaultAcquireAttempts = 3

	// DefaultValidateAfter is how long a session may sit unused before it is
	// pinged again. Sessions used successfully more recently skip the ping.
	DefaultValidateAfter = 500 * time.Millisecond

	// DefaultValidationTimeout bounds one session ping.
	DefaultValidationTimeout = 5 * time.Second
)

// ConnectionGuard owns a worker's session: it validates the held session,
// replaces broken ones and retries acquisition with backoff.
type ConnectionGuard struct {
	db                dialect.Database
	backoff           *Backoff
	maxAttempts       int
	validateAfter     time.Duration
	validationTimeout time.Duration

	session  dialect.Session
	lastUsed time.Time
	suspect  bool // last operation on the session failed

	now   func() time.Time
	sleep func(context.Context, time.Duration) bool
}

// NewConnectionGuard creates a guard that shares the worker's backoff.
func NewConnectionGuard(db dialect.Database, backoff *Backoff, validationTimeout time.Duration) *ConnectionGuard {
	if validationTimeout <= 0 {
		validationTimeout = DefaultValidationTimeout
	}
	return &ConnectionGuard{
		db:                db,
		backoff:           backoff,
		maxAttempts:       DefaultAcquireAttempts,
		validateAfter:     DefaultValidateAfter,
		validationTimeout: validationTimeout,
		now:               time.Now,
		sleep:             sleepCtx,
	}
}

// Ensure returns a live session, acquiring a new one if none is held or the
// held one fails its liveness check.
func (g *ConnectionGuard) Ensure(ctx context.Context) (dialect.Session, error) {
	if g.session != nil {
		if !g.suspect && g.now().Sub(g.lastUsed) < g.validateAfter {
			return g.session, nil
		}
		if err := g.ping(ctx, g.session); err == nil {
			g.MarkUsed(true)
			return g.session, nil
		}
		g.db.Release(g.session, true)
		g.session = nil
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		s, err := g.db.Acquire(ctx)
		if err == nil {
			if err = g.ping(ctx, s); err == nil {
				g.session = s
				g.backoff.Reset()
				g.MarkUsed(true)
				return s, nil
			}
			g.db.Release(s, true)
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < g.maxAttempts && !g.sleep(ctx, g.backoff.Next()) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("acquire connection after %d attempts: %w", g.maxAttempts, lastErr)
}

// MarkUsed records the outcome of an operation on the held session.
func (g *ConnectionGuard) MarkUsed(ok bool) {
	g.lastUsed = g.now()
	g.suspect = !ok
}

// Discard releases the held session and evicts its connection from the pool.
func (g *ConnectionGuard) Discard() {
	if g.session == nil {
		return
	}
	g.db.Release(g.session, true)
	g.session = nil
}

// Close releases the held session back to the pool.
func (g *ConnectionGuard) Close() {
	if g.session == nil {
		return
	}
	g.db.Release(g.session, false)
	g.session = nil
}

func (g *ConnectionGuard) ping(ctx context.Context, s dialect.Session) error {
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.validationTimeout)
	defer cancel()
	return s.Ping(pingCtx)
}
