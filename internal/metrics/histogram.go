package metrics

import (
	"sync"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// Interval histogram bounds, in microseconds.
const (
	histMinMicros = 1
	histMaxMicros = 60_000_000 // 60s
	histSigFigs   = 3
)

// intervalHistogram collects latencies between two monitor polls. Unlike the
// reservoir it sees every sample of the interval.
type intervalHistogram struct {
	mu sync.Mutex
	h  *hdrhistogram.Histogram
}

func newIntervalHistogram() *intervalHistogram {
	return &intervalHistogram{h: hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs)}
}

// Record adds a latency in milliseconds. Values outside the tracked range are clamped.
func (ih *intervalHistogram) Record(latencyMs float64) {
	us := int64(latencyMs * 1000)
	if us < histMinMicros {
		us = histMinMicros
	}
	if us > histMaxMicros {
		us = histMaxMicros
	}
	ih.mu.Lock()
	_ = ih.h.RecordValue(us)
	ih.mu.Unlock()
}

// TakeQuantiles returns p50 and p99 in milliseconds and resets the histogram.
func (ih *intervalHistogram) TakeQuantiles() (p50, p99 float64, count int64) {
	ih.mu.Lock()
	defer ih.mu.Unlock()

	count = ih.h.TotalCount()
	if count > 0 {
		p50 = float64(ih.h.ValueAtQuantile(50.0)) / 1000
		p99 = float64(ih.h.ValueAtQuantile(99.0)) / 1000
	}
	ih.h.Reset()
	return p50, p99, count
}
