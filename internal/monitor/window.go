package monitor

import "sort"

// slidingWindow is a fixed-capacity FIFO of duration samples in
// milliseconds. Inserts past capacity trim the oldest sample.
type slidingWindow struct {
	samples  []float64
	capacity int
}

func newSlidingWindow(capacity int) *slidingWindow {
	if capacity <= 0 {
		capacity = 1000
	}
	return &slidingWindow{capacity: capacity}
}

func (w *slidingWindow) add(v float64) {
	w.samples = append(w.samples, v)
	if len(w.samples) > w.capacity {
		w.samples = w.samples[1:]
	}
}

func (w *slidingWindow) len() int {
	return len(w.samples)
}

func (w *slidingWindow) avg() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.samples {
		sum += v
	}
	return sum / float64(len(w.samples))
}

// percentile copies the window, sorts ascending, and returns the value at
// index floor(p*n) clamped to n-1. With fewer than two samples it returns
// 0, except p50 which returns the single sample.
func (w *slidingWindow) percentile(p float64) float64 {
	n := len(w.samples)
	if n < 2 {
		if n == 1 && p == 0.5 {
			return w.samples[0]
		}
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, w.samples)
	sort.Float64s(sorted)

	idx := int(p * float64(n))
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
