package job

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultRetryBase is the first retry delay before jitter.
	DefaultRetryBase = 30 * time.Second
	// DefaultRetryCap bounds the exponential growth.
	DefaultRetryCap = 10 * time.Minute
)

// Backoff computes persisted retry delays using exponential growth with equal
// jitter: for attempt n the ceiling is min(Base*2^(n-1), Cap) and the delay is
// uniform in [ceiling/2, ceiling].
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// NewBackoff returns a Backoff, substituting defaults for non-positive values.
func NewBackoff(base, maxDelay time.Duration) Backoff {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultRetryCap
	}
	if maxDelay < base {
		maxDelay = base
	}
	return Backoff{Base: base, Cap: maxDelay}
}

// Ceiling returns the un-jittered delay for the given 1-indexed attempt.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultRetryBase
	}
	ceiling := float64(base) * math.Pow(2, float64(attempt-1))
	if b.Cap > 0 && ceiling > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(ceiling)
}

// Delay returns the jittered delay before the retry following attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	r := b.Rand
	if r == nil {
		r = rand.Float64 //nolint:gosec // jitter does not need crypto randomness
	}
	half := ceiling / 2
	return half + time.Duration(r()*float64(ceiling-half))
}
