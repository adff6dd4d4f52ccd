// Package ratelimit provides the token bucket that caps the aggregate
// transaction rate across all workers.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pollInterval is how long Acquire sleeps between attempts when the bucket is empty.
const pollInterval = time.Millisecond

// BurstFactor is the bucket capacity as a multiple of the target rate.
const BurstFactor = 2

// Limiter is a token bucket shared by all workers.
//
// The bucket starts with targetTPS tokens and refills lazily at targetTPS
// tokens per second up to BurstFactor*targetTPS. A limiter created with a
// non-positive rate is disabled and grants every request.
type Limiter struct {
	mu         sync.Mutex
	targetTPS  int
	tokens     float64
	maxTokens  float64
	lastRefill time.Time

	now func() time.Time
}

// New creates a Limiter for the given rate. targetTPS <= 0 disables limiting.
func New(targetTPS int) *Limiter {
	l := &Limiter{
		targetTPS: targetTPS,
		now:       time.Now,
	}
	if targetTPS > 0 {
		l.tokens = float64(targetTPS)
		l.maxTokens = float64(targetTPS * BurstFactor)
	}
	l.lastRefill = l.now()
	return l
}

// Acquire takes one token, polling until a token is available, the timeout
// elapses or ctx is done. It returns false when no token was taken.
// A false return is not an error: callers simply try again.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) bool {
	if !l.Enabled() {
		return true
	}

	start := l.now()
	for {
		if l.tryTake() {
			return true
		}
		if l.now().Sub(start) > timeout {
			return false
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// tryTake refills the bucket and consumes a token if one is available.
func (l *Limiter) tryTake() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * float64(l.targetTPS)
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now
}

// Enabled reports whether the limiter restricts the rate.
func (l *Limiter) Enabled() bool {
	return l.targetTPS > 0
}

// available returns the current token count after a refill.
func (l *Limiter) available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Enabled() {
		l.refillLocked()
	}
	return l.tokens
}
