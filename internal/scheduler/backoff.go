package scheduler

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the wait before retry attempt n (zero-based) as
// exponential backoff with full jitter: a random value in
// [Min, min(Max, Min*2^n)].
type Backoff struct {
	Min time.Duration
	Max time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Next returns the wait duration before retry attempt n.
func (b Backoff) Next(n int) time.Duration {
	if b.Min <= 0 {
		return 0
	}
	maxWait := b.Max
	if maxWait < b.Min {
		maxWait = b.Min
	}

	base := float64(b.Min) * math.Pow(2, float64(n))
	if base > float64(maxWait) {
		base = float64(maxWait)
	}
	minWait := float64(b.Min)
	if base <= minWait {
		return b.Min
	}

	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(minWait + r()*(base-minWait))
}
