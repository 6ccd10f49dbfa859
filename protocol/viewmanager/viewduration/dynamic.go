package viewduration

import (
	"math"
	"time"
)

// Dynamic estimates the view duration from the durations of previous views.
// Only a limited window of measurements is taken into account.
type Dynamic struct {
	mul       float64   // on timed out views, multiply the current mean by this number (should be > 1)
	limit     uint64    // how many measurements should be included in the mean
	count     uint64    // total number of measurements
	startTime time.Time // the start time of the current view
	mean      float64   // the mean view duration
	m2        float64   // sum of squares of differences from the mean
	prevM2    float64   // m2 of the previous window
	max       float64   // upper bound on the view timeout
}

// NewDynamic returns a ViewDuration that approximates the duration of a view
// from how long previous views lasted.
func NewDynamic(params Params) *Dynamic {
	return &Dynamic{
		limit: params.sampleSize,
		mean:  params.startTimeout,
		max:   params.maxTimeout,
		mul:   params.multiplier,
	}
}

// ViewSucceeded adds the duration of the view that just made progress to the
// estimate.
func (d *Dynamic) ViewSucceeded() {
	if d.startTime.IsZero() {
		return
	}

	duration := float64(time.Since(d.startTime)) / float64(time.Millisecond)
	d.count++

	// Reset m2 every window so that changes in variance are picked up faster.
	// The previous m2 still contributes to the variance until the new window
	// has enough measurements.
	if d.count%d.limit == 0 {
		d.prevM2 = d.m2
		d.m2 = 0
	}

	var c float64
	if d.count > d.limit {
		c = float64(d.limit)
		// throw away one measurement
		d.mean -= d.mean / c
	} else {
		c = float64(d.count)
	}

	// Welford's algorithm
	d1 := duration - d.mean
	d.mean += d1 / c
	d2 := duration - d.mean
	d.m2 += d1 * d2
}

// ViewTimeout backs off the estimate by the configured multiplier.
func (d *Dynamic) ViewTimeout() {
	d.mean *= d.mul
}

// ViewStarted records the start time of the view.
func (d *Dynamic) ViewStarted() {
	d.startTime = time.Now()
}

// Duration returns the upper bound of the 95% confidence interval for the
// mean view duration, capped at the configured maximum.
func (d *Dynamic) Duration() time.Duration {
	conf := 1.96 // 95% confidence
	dev := float64(0)
	if d.count > 1 {
		c := float64(d.count)
		m2 := d.m2
		if d.count >= d.limit {
			c = float64(d.limit) + float64(d.count%d.limit)
			m2 += d.prevM2
		}
		dev = math.Sqrt(m2 / c)
	}

	duration := d.mean + dev*conf
	if d.max > 0 && duration > d.max {
		duration = d.max
	}

	return time.Duration(duration * float64(time.Millisecond))
}

var _ ViewDuration = (*Dynamic)(nil)
