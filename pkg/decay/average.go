// Package decay implements a bootstrapping decaying running average.
package decay

import (
	"math"
	"sync"
)

// Average behaves like a plain mean for its first maxReports samples and
// like an exponential moving average with factor 1/maxReports afterwards.
// Reports outside [min, max] are clamped.
type Average struct {
	mu         sync.Mutex
	value      float64
	min, max   float64
	reports    int64
	maxReports int64
}

// NewAverage returns an average starting at initial.
func NewAverage(initial, min, max float64, maxReports int) *Average {
	if maxReports < 1 {
		maxReports = 1
	}
	a := &Average{min: min, max: max, maxReports: int64(maxReports)}
	a.value = a.clamp(initial)
	return a
}

func (a *Average) clamp(d float64) float64 {
	return math.Min(a.max, math.Max(a.min, d))
}

// Report feeds one sample. NaN is ignored.
func (a *Average) Report(d float64) {
	if math.IsNaN(d) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	d = a.clamp(d)
	a.reports++
	n := a.reports
	if n > a.maxReports {
		n = a.maxReports
	}
	a.value += (d - a.value) / float64(n)
}

// Value returns the current average.
func (a *Average) Value() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

// Reports returns the number of samples seen.
func (a *Average) Reports() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reports
}
