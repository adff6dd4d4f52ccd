package metrics

import (
	"sort"
	"sync"

	"github.com/gateway-fm/dbload/pkg/types"
)

const (
	// DefaultReservoirSize is the number of most recent latency samples kept
	// for percentile estimation.
	DefaultReservoirSize = 10000

	// Below these sample counts the tail percentiles report the maximum.
	p95MinSamples = 20
	p99MinSamples = 100
)

// LatencyReservoir keeps the most recent latency samples in a ring buffer.
// Percentiles describe recent behavior rather than the whole run.
type LatencyReservoir struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

// NewLatencyReservoir creates a reservoir holding at most size samples.
func NewLatencyReservoir(size int) *LatencyReservoir {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &LatencyReservoir{buf: make([]float64, size)}
}

// Add records a latency sample in milliseconds, evicting the oldest when full.
func (r *LatencyReservoir) Add(latencyMs float64) {
	r.mu.Lock()
	r.buf[r.next] = latencyMs
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// size returns the number of samples held.
func (r *LatencyReservoir) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Snapshot returns the held samples oldest first.
func (r *LatencyReservoir) Snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]float64, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Stats computes summary statistics over the held samples.
// An empty reservoir yields all zeros.
func (r *LatencyReservoir) Stats() types.LatencyStats {
	sorted := r.Snapshot()
	n := len(sorted)
	if n == 0 {
		return types.LatencyStats{}
	}
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	max := sorted[n-1]
	stats := types.LatencyStats{
		Count: n,
		Avg:   sum / float64(n),
		P50:   Percentile(sorted, 0.50),
		P95:   max,
		P99:   max,
		Min:   sorted[0],
		Max:   max,
	}
	if n > p95MinSamples {
		stats.P95 = Percentile(sorted, 0.95)
	}
	if n > p99MinSamples {
		stats.P99 = Percentile(sorted, 0.99)
	}
	return stats
}

// Percentile returns sorted[floor(n*p)], clamped to the last element.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
