package gitops

import "time"

// Backoff computes exponential delays between rollout status polls.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before poll number attempt (1-based): Base doubled
// attempt-1 times, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
