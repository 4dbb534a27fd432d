package store

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker maintains running commit latency statistics.
// Percentiles come from a DDSketch with 1% relative accuracy.
type LatencyTracker struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	lt := &LatencyTracker{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		lt.sketch = sketch
	}
	return lt
}

// Observe records one commit duration.
func (lt *LatencyTracker) Observe(d time.Duration) {
	v := d.Seconds()

	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.count++
	lt.sum += v
	if v < lt.min {
		lt.min = v
	}
	if v > lt.max {
		lt.max = v
	}
	if lt.sketch != nil {
		lt.sketch.Add(v)
	}
}

// Quantile returns the latency at q (0.0 - 1.0) in seconds.
// Returns 0 when nothing was observed.
func (lt *LatencyTracker) Quantile(q float64) float64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if lt.sketch == nil || lt.count == 0 {
		return 0
	}
	v, err := lt.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}

// Snapshot returns the current statistics.
func (lt *LatencyTracker) Snapshot() LatencySnapshot {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	s := LatencySnapshot{Count: lt.count}
	if lt.count == 0 {
		return s
	}

	s.Mean = lt.sum / float64(lt.count)
	s.Min = lt.min
	s.Max = lt.max
	if lt.sketch != nil {
		s.P50, _ = lt.sketch.GetValueAtQuantile(0.50)
		s.P90, _ = lt.sketch.GetValueAtQuantile(0.90)
		s.P99, _ = lt.sketch.GetValueAtQuantile(0.99)
	}
	return s
}

// LatencySnapshot holds latency statistics in seconds.
type LatencySnapshot struct {
	Count int64
	Mean  float64
	Min   float64
	Max   float64
	P50   float64
	P90   float64
	P99   float64
}
