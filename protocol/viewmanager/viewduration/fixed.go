package viewduration

import "time"

// Fixed is a ViewDuration that never adapts.
type Fixed struct {
	duration time.Duration
}

// NewFixed returns a ViewDuration with a fixed duration.
func NewFixed(duration time.Duration) *Fixed {
	return &Fixed{duration: duration}
}

// Duration returns the fixed duration.
func (f *Fixed) Duration() time.Duration {
	return f.duration
}

// ViewStarted does nothing for Fixed.
func (f *Fixed) ViewStarted() {}

// ViewSucceeded does nothing for Fixed.
func (f *Fixed) ViewSucceeded() {}

// ViewTimeout does nothing for Fixed.
func (f *Fixed) ViewTimeout() {}

var _ ViewDuration = (*Fixed)(nil)
