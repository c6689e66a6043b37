// Package backoff computes retry delays for failed tasks.
//
// The reference policy is exponential without jitter:
//
//	delay(attempts) = base * 2^max(0, attempts-1)
//
// Jitter and an upper cap are tunables that default to off.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes the delay before re-submitting a task that has failed
// `attempts` times so far.
type Policy interface {
	Delay(attempts int) time.Duration
}

// Exponential doubles the delay for each attempt.
type Exponential struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Max caps the delay. Zero means uncapped.
	Max time.Duration
	// Jitter is a fraction in [0,1]. The returned delay is drawn uniformly from
	// [d*(1-Jitter), d]. Zero keeps the delay exact.
	Jitter float64

	rnd func() float64
}

// NewExponential returns the reference policy: no cap, no jitter.
func NewExponential(base time.Duration) *Exponential {
	return &Exponential{Base: base}
}

// WithJitter returns a copy of e that applies the given jitter fraction.
func (e *Exponential) WithJitter(fraction float64) *Exponential {
	cp := *e
	cp.Jitter = clamp(fraction)
	return &cp
}

// WithMax returns a copy of e capped at max.
func (e *Exponential) WithMax(max time.Duration) *Exponential {
	cp := *e
	cp.Max = max
	return &cp
}

// Delay returns Base * 2^max(0, attempts-1), capped at Max, with optional jitter.
func (e *Exponential) Delay(attempts int) time.Duration {
	d := shifted(e.Base, attempts-1)
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if e.Jitter <= 0 || d <= 0 {
		return d
	}
	r := rand.Float64 //nolint:gosec // jitter does not need crypto rand
	if e.rnd != nil {
		r = e.rnd
	}
	spread := float64(d) * clamp(e.Jitter)
	return d - time.Duration(r()*spread)
}

// shifted computes base * 2^n with saturation instead of overflow.
func shifted(base time.Duration, n int) time.Duration {
	if n <= 0 || base <= 0 {
		return base
	}
	if n >= 62 || base > time.Duration(math.MaxInt64>>uint(n)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(n)
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
