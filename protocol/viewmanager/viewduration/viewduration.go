// Package viewduration decides how long a replica waits for the current view
// to make progress before it starts a view change.
package viewduration

import "time"

// ViewDuration provides the duration of the view timer. The view manager
// reports view outcomes so that implementations can adapt.
type ViewDuration interface {
	// Duration returns the duration that the current view should last.
	Duration() time.Duration
	// ViewStarted is called by the view manager when a new view is started.
	ViewStarted()
	// ViewSucceeded is called by the view manager when a view made progress.
	ViewSucceeded()
	// ViewTimeout is called by the view manager when a view timed out.
	ViewTimeout()
}

// Params holds the tuning knobs for the dynamic view duration.
type Params struct {
	sampleSize   uint64
	startTimeout float64
	maxTimeout   float64
	multiplier   float64
}

// NewParams creates the parameters for a dynamic view duration. sampleSize is
// the number of past views to consider, startTimeout the duration of the
// first views, maxTimeout the upper bound, and multiplier the backoff factor
// applied after a timeout.
func NewParams(
	sampleSize uint32,
	startTimeout time.Duration,
	maxTimeout time.Duration,
	multiplier float32,
) Params {
	return Params{
		sampleSize:   uint64(sampleSize),
		startTimeout: float64(startTimeout.Nanoseconds()) / float64(time.Millisecond),
		maxTimeout:   float64(maxTimeout.Nanoseconds()) / float64(time.Millisecond),
		multiplier:   float64(multiplier),
	}
}

// StartTimeout returns the initial timeout duration.
func (p Params) StartTimeout() time.Duration {
	return time.Duration(p.startTimeout) * time.Millisecond
}
