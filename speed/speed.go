// Package speed tracks recent transfer throughput and recommends
// concurrency adjustments from the observed trend. The transfer pipeline
// feeds it one sample after every completed byte-accounted operation and
// polls it at a bounded rate for a recommendation.
package speed

import (
	"math"
	"sync"
	"time"
)

const maxSamples = 20

// Sample is one observed instantaneous speed at a point in time.
type Sample struct {
	At    time.Time
	Speed float64 // bytes per second
}

// Stats summarizes the current regression over the sample window.
type Stats struct {
	Slope         float64
	Intercept     float64
	Correlation   float64
	SampleSize    int
	Confidence    float64 // |R^2|
	PredictedNext float64
}

// Monitor is a ring buffer of up to 20 speed samples plus the
// rate-limited recommendation logic layered on top of it.
type Monitor struct {
	mu                sync.Mutex
	samples           []Sample
	start             time.Time
	adjustmentInterval time.Duration
	lastRecommendAt   time.Time
	haveRecommended   bool
}

// Opt configures a Monitor via functional options.
type Opt func(*Monitor)

// WithAdjustmentInterval overrides the default 1s minimum gap between
// recommendations.
func WithAdjustmentInterval(d time.Duration) Opt {
	return func(m *Monitor) {
		if d > 0 {
			m.adjustmentInterval = d
		}
	}
}

// NewMonitor builds an empty Monitor.
func NewMonitor(opts ...Opt) *Monitor {
	m := &Monitor{
		start:              time.Now(),
		adjustmentInterval: time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record appends one instantaneous speed sample, evicting the oldest
// once the buffer holds 20.
func (m *Monitor) Record(speedBytesPerSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, Sample{At: time.Now(), Speed: speedBytesPerSec})
	if len(m.samples) > maxSamples {
		m.samples = m.samples[len(m.samples)-maxSamples:]
	}
}

// Stats computes the OLS regression over (elapsed_seconds, speed) for
// the current sample window. SampleSize < 5 returns a zero-value Stats
// with Confidence 0, signaling "not enough data yet."
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	samples := make([]Sample, len(m.samples))
	copy(samples, m.samples)
	m.mu.Unlock()

	n := len(samples)
	if n < 5 {
		return Stats{SampleSize: n}
	}

	var sumX, sumY, sumXX, sumXY, sumYY float64
	for _, s := range samples {
		x := s.At.Sub(samples[0].At).Seconds()
		y := s.Speed
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
		sumYY += y * y
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	var slope, intercept float64
	if denom != 0 {
		slope = (nf*sumXY - sumX*sumY) / denom
		intercept = (sumY - slope*sumX) / nf
	}

	var corr float64
	varX := nf*sumXX - sumX*sumX
	varY := nf*sumYY - sumY*sumY
	if varX > 0 && varY > 0 {
		corr = (nf*sumXY - sumX*sumY) / math.Sqrt(varX*varY)
	}

	lastX := samples[n-1].At.Sub(samples[0].At).Seconds()
	nextX := lastX + timeBetween(samples)
	predicted := intercept + slope*nextX

	return Stats{
		Slope:         slope,
		Intercept:     intercept,
		Correlation:   corr,
		SampleSize:    n,
		Confidence:    math.Abs(corr * corr),
		PredictedNext: predicted,
	}
}

// timeBetween estimates the average gap between samples, used to predict
// one step beyond the last one.
func timeBetween(samples []Sample) float64 {
	if len(samples) < 2 {
		return 1
	}
	total := samples[len(samples)-1].At.Sub(samples[0].At).Seconds()
	return total / float64(len(samples)-1)
}

// Recommend returns the concurrency the pipeline should move to, given
// its current value and bounds. It returns current unchanged (ok=false)
// when confidence is too low or the adjustment interval hasn't elapsed.
func (m *Monitor) Recommend(current, minConcurrent, maxConcurrent int) (recommended int, ok bool) {
	m.mu.Lock()
	now := time.Now()
	if m.haveRecommended && now.Sub(m.lastRecommendAt) < m.adjustmentInterval {
		m.mu.Unlock()
		return current, false
	}
	m.mu.Unlock()

	stats := m.Stats()
	next := current
	switch {
	case stats.Confidence <= 0.6:
		next = current
	case stats.Slope < -0.2:
		next = max(minConcurrent, (2*current)/3)
	case stats.Slope > 0.2:
		next = min(maxConcurrent, current+2)
	default:
		next = current
	}
	if next < minConcurrent {
		next = minConcurrent
	}
	if next > maxConcurrent {
		next = maxConcurrent
	}

	m.mu.Lock()
	m.lastRecommendAt = now
	m.haveRecommended = true
	m.mu.Unlock()

	return next, next != current
}
