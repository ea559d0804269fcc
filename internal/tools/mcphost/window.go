package mcphost

import (
	"slices"
	"sync"
	"time"
)

// window keeps the most recent call latencies of one tool in a ring buffer.
type window struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int
	n       int
	total   int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &window{samples: make([]time.Duration, size), failed: make([]bool, size)}
}

// Record adds one call, overwriting the oldest once full.
func (w *window) Record(d time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = d
	w.failed[w.pos] = failed
	w.pos = (w.pos + 1) % len(w.samples)
	w.n = min(w.n+1, len(w.samples))
	w.total++
}

// Percentile returns the q-quantile (0..1) of the window, or 0 when empty.
func (w *window) Percentile(q float64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 {
		return 0
	}
	sorted := slices.Clone(w.samples[:w.n])
	slices.Sort(sorted)
	return sorted[int(float64(w.n-1)*q)]
}

// ErrorRate returns the share of failed calls in the window.
func (w *window) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 {
		return 0
	}
	var failed int
	for _, f := range w.failed[:w.n] {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(w.n)
}

// Len returns the number of samples held.
func (w *window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Total returns the number of calls ever recorded.
func (w *window) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
