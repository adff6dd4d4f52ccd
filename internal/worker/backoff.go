package worker

import (
	"context"
	"time"
)

const (
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 100 * time.Millisecond
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 5 * time.Second
)

// Backoff is an exponential retry delay. Not safe for concurrent use; each
// worker owns one.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, current: base}
}

// Next returns the delay to sleep now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the delay to base.
func (b *Backoff) Reset() {
	b.current = b.base
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
