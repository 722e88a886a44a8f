package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultBase = 10 * time.Minute
	DefaultMax  = 6 * time.Hour
)

// Policy computes the wait before an abandoned entry may be called again:
// min(2^attempt * Base, Max), optionally spread by +/- Jitter (a fraction of
// the delay, e.g. 0.2).
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// Delay returns the backoff for the given attempt count.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	if attempt < 0 {
		attempt = 0
	}

	d := ceiling
	if attempt < 62 {
		mul := time.Duration(1) << uint(attempt)
		if base <= ceiling/mul {
			d = base * mul
		}
	}
	d = min(d, ceiling)

	if p.Jitter > 0 {
		j := time.Duration(float64(d) * min(p.Jitter, 1))
		if j > 0 {
			d = d - j + time.Duration(rand.Int63n(int64(2*j)+1))
		}
	}
	return d
}

// Func adapts the policy to the signature used by queue.Entry.Apply.
func (p Policy) Func() func(attempt int) time.Duration {
	return p.Delay
}
