// Package backoff computes retry delays for failed deliveries.
//
// The policy is tuned for fast, low-stakes client retries: the first retry
// waits about 250ms and the delay saturates at one second. Uniform jitter on
// top of the deterministic base keeps many clients that lost connectivity at
// the same moment from retrying in lockstep.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Defaults for Policy.
const (
	DefaultBase   = 250 * time.Millisecond
	DefaultMax    = 1 * time.Second
	DefaultJitter = 0.2
)

// Policy computes the delay before a retry.
//
// DelayFor(attempt) = min(2^attempt * Base, Max) + U[0, that * Jitter)
//
// attempt is 0-indexed: attempt 0 is the wait after the first failure.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the deterministic part of the delay.
	Max time.Duration

	// Jitter is the fraction of the base delay added as uniform noise, in [0, 1).
	Jitter float64

	// MaxAttempts bounds delivery attempts per operation. Zero means unbounded:
	// abandoning a user's offline work is worse than retrying forever.
	MaxAttempts int

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.Float64.
	Rand func() float64
}

// Default returns the policy with package defaults and unbounded attempts.
func Default() Policy {
	return Policy{
		Base:   DefaultBase,
		Max:    DefaultMax,
		Jitter: DefaultJitter,
	}
}

// Validate rejects configurations that would produce nonsensical delays.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", p.Base)
	}
	if p.Max < p.Base {
		return fmt.Errorf("backoff max (%s) must be >= base (%s)", p.Max, p.Base)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1), got %v", p.Jitter)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0, got %d", p.MaxAttempts)
	}
	return nil
}

// BaseFor returns the deterministic part of the delay for attempt.
func (p Policy) BaseFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		if d >= p.Max {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// DelayFor returns the delay before retrying after the given attempt failed.
func (p Policy) DelayFor(attempt int) time.Duration {
	base := p.BaseFor(attempt)
	if p.Jitter <= 0 {
		return base
	}

	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	jitter := time.Duration(float64(base) * p.Jitter * r())
	return base + jitter
}

// Exhausted reports whether an operation that has made attempts deliveries
// has used up its retry budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
