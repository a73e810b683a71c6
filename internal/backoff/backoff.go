// Package backoff computes the delay before a failed job becomes visible
// to workers again.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt: min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return capped(e.Initial, e.Max, attempt)
}

// Jittered applies full jitter on top of Exponential so retries of jobs that
// failed together do not hit the embeddings provider in lockstep.
type Jittered struct {
	Initial time.Duration
	Max     time.Duration
}

func (j Jittered) Delay(attempt int) time.Duration {
	base := capped(j.Initial, j.Max, attempt)
	half := base / 2
	return half + time.Duration(rand.Int64N(int64(half)+1)) //nolint:gosec // jitter does not need crypto rand
}

func capped(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Default matches the producers' historical policy: exponential from 2s.
func Default() Strategy {
	return Jittered{Initial: 2 * time.Second, Max: time.Minute}
}
