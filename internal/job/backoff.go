package job

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes how long a failed job waits before its next attempt.
type Backoff interface {
	// Delay returns the wait before retry n, where n is 1 after the first failure.
	Delay(n int) time.Duration
}

// Exponential doubles the delay on each retry up to Max and applies full
// jitter: the delay is uniform in [0, min(Initial*2^(n-1), Max)].
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// NoJitter returns the upper bound itself. Used by tests.
	NoJitter bool
}

// Delay implements Backoff.
func (e Exponential) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(n-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.NoJitter {
		return time.Duration(base)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
}

// Constant waits the same interval before every retry.
type Constant time.Duration

// Delay implements Backoff.
func (c Constant) Delay(int) time.Duration {
	return time.Duration(c)
}
