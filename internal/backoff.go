package internal

import (
	"time"
)

// Backoff computes reconnection delays that grow exponentially from Base up
// to Max, each randomized by up to ±Jitter of the delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// MaxAttempts is the number of attempts before giving up. Zero means
	// never give up.
	MaxAttempts int
}

// Delay returns the time to wait after the given failed attempt, starting
// at 0.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return jitter(d, b.Jitter)
}

// Exhausted returns true if no attempts remain after the given number of
// attempts have been made.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
