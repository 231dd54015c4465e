package realtime

import "time"

// Backoff computes exponential reconnection delays:
// min(Max, Min * 2^attempt).
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before reconnection attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = defaultMinBackoff
	}
	if hi < lo {
		hi = lo
	}
	if attempt <= 0 {
		return lo
	}

	d := lo
	for i := 0; i < attempt; i++ {
		// Doubling past hi/2 would exceed the cap (and eventually overflow).
		if d > hi/2 {
			return hi
		}
		d *= 2
	}
	if d > hi {
		return hi
	}
	return d
}
