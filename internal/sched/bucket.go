// Package sched decides when frames go to the transport: token-bucket
// pacing per destination, strict priority with send jitter, an AIMD
// congestion window for reliable traffic, and adaptive per-route tuning
// of chunk size and window from observed link quality.
package sched

import "time"

// TokenBucket paces transmissions toward one (destination, channel).
// It starts full so the first frames go out immediately.
type TokenBucket struct {
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time
}

func NewTokenBucket(capacity, rate float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
	}
}

// Allow refills by the elapsed time and grants cost tokens if
// available. Cost zero always grants. A zero or backward time delta
// never adds tokens; time is only ever consumed forward.
func (b *TokenBucket) Allow(cost float64, now time.Time) bool {
	if !b.last.IsZero() {
		if delta := now.Sub(b.last); delta > 0 {
			b.tokens += delta.Seconds() * b.rate
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.last = now
		}
	} else {
		b.last = now
	}

	if cost == 0 {
		return true
	}
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// Tokens returns the current level, for tests and introspection.
func (b *TokenBucket) Tokens() float64 { return b.tokens }
