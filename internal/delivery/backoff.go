package delivery

import (
	"math/rand"
	"time"
)

// maxJitter keeps successive jittered delays non-decreasing: with a doubling
// base, (1+j)*d <= (1-j)*2d holds for every j <= 1/3.
const maxJitter = 1.0 / 3.0

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base      time.Duration // delay before the first retry
	Cap       time.Duration // upper bound for any delay
	JitterPct float64       // +/- fraction applied to each delay
	Rand      func() float64
}

// DefaultBackoff is 600s doubling, capped at 2*600s*2^4.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:      600 * time.Second,
		Cap:       2 * 600 * time.Second * 16,
		JitterPct: 0.25,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	limit := b.Cap
	if limit <= 0 {
		limit = base
	}

	exp := base
	for i := 1; i < attempt; i++ {
		if exp >= limit {
			return limit
		}
		exp *= 2
	}
	if exp >= limit {
		return limit
	}

	jitter := b.JitterPct
	if jitter < 0 {
		jitter = 0
	}
	if jitter > maxJitter {
		jitter = maxJitter
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	d := time.Duration(float64(exp) * (1 + (r()*2-1)*jitter))
	if d > limit {
		return limit
	}
	return d
}
