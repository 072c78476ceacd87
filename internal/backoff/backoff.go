// Package backoff computes reconnection delays: exponential growth from an
// initial delay, capped, with symmetric random jitter and an attempt ceiling.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes a capped exponential backoff. The zero value is not
// usable; start from Default.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the base delay, applied as ±Jitter
	MaxAttempts int

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Default is the socket reconnection policy: 1s doubling to 16s, ±20%
// jitter, at most 10 attempts.
func Default() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         16 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Base returns the delay for the given 1-based attempt before jitter.
func (p Policy) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	if p.Jitter <= 0 {
		return base
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 + p.Jitter*(2*r()-1)
	return time.Duration(float64(base) * factor)
}

// Exhausted reports whether attempt exceeds the ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
