package metrics

import (
	"sort"
	"sync"
	"time"
)

// slidingWindow holds transaction completion timestamps for the last span.
// Timestamps are kept sorted so windowed counts are a binary search.
type slidingWindow struct {
	mu   sync.Mutex
	span time.Duration
	ts   []int64 // unix nanos, ascending
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{
		span: span,
		ts:   make([]int64, 0, 1024),
	}
}

// Add appends t and drops entries older than t-span.
func (w *slidingWindow) Add(t time.Time) {
	n := t.UnixNano()

	w.mu.Lock()
	defer w.mu.Unlock()

	// Callers race between reading the clock and taking the lock.
	if last := len(w.ts) - 1; last >= 0 && n < w.ts[last] {
		n = w.ts[last]
	}
	w.ts = append(w.ts, n)
	w.pruneLocked(t)
}

// Count returns the number of entries within span of now.
func (w *slidingWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.ts)
}

// CountSince returns the number of entries at or after cutoff.
func (w *slidingWindow) CountSince(cutoff time.Time) int {
	c := cutoff.UnixNano()

	w.mu.Lock()
	defer w.mu.Unlock()
	i := sort.Search(len(w.ts), func(i int) bool { return w.ts[i] >= c })
	return len(w.ts) - i
}

func (w *slidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span).UnixNano()
	i := sort.Search(len(w.ts), func(i int) bool { return w.ts[i] >= cutoff })
	if i == 0 {
		return
	}
	if i == len(w.ts) {
		w.ts = w.ts[:0]
		return
	}
	w.ts = w.ts[i:]
}
