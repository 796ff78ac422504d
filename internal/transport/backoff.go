package transport

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential from Min up to Max with
// +/-20% jitter.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	attempt int
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = 500 * time.Millisecond
	}
	if hi < lo {
		hi = 30 * time.Second
	}
	d := lo << uint(b.attempt)
	if d <= 0 || d > hi {
		d = hi
	} else {
		b.attempt++
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

// Reset starts the sequence over after a successful connect.
func (b *Backoff) Reset() { b.attempt = 0 }
