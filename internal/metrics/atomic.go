package metrics

import "sync/atomic"

// Counter is a monotonic atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.value, delta)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() int64 {
	return atomic.AddInt64(&c.value, 1)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64(&c.value)
}
