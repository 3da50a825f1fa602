// Package backoff computes retry delays.
//
// Attempt numbers are the count of failures observed so far, counted after
// the failure that triggers the retry. The first retry therefore uses
// attempt=1 and, with exponential backoff, waits base*2.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns how long to wait before the next attempt.
//
// With exponential=false it returns base unconditionally. Otherwise it returns
// min(base * 2^attempt, maxDelay). A maxDelay <= 0 disables the cap; the
// result still saturates instead of overflowing.
func Delay(attempt int, base time.Duration, exponential bool, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if !exponential {
		return base
	}
	if attempt < 0 {
		attempt = 0
	}
	limit := maxDelay
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}

	d := base
	for i := 0; i < attempt; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Policy bundles the retry knobs of a queue or supervisor.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Exponential bool

	// Jitter spreads each delay uniformly within ±Jitter (0.2 = 20%).
	// The result never exceeds Max.
	Jitter float64
}

// Next returns the delay for attempt. rng is only consulted when Jitter > 0;
// a nil rng disables jitter.
func (p Policy) Next(attempt int, rng *rand.Rand) time.Duration {
	return p.apply(Delay(attempt, p.Base, p.Exponential, p.Max), rng)
}

// Cap bounds an externally suggested delay (e.g. a Retry-After hint) by Max
// and applies jitter the same way Next does.
func (p Policy) Cap(d time.Duration, rng *rand.Rand) time.Duration {
	if d < 0 {
		d = 0
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return p.apply(d, rng)
}

func (p Policy) apply(d time.Duration, rng *rand.Rand) time.Duration {
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
