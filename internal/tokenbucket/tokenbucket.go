// Package tokenbucket implements a non-blocking, time-based token bucket
// used per key (spec §4.2). Unlike golang.org/x/time/rate,
// TryAcquire never blocks and always reports the retry-after delay a caller
// should apply, which the retry loop needs to bound against the request
// deadline.
package tokenbucket

import (
	"sync"
	"time"
)

// Bucket holds tokens in [0, burst], refilled linearly between calls.
type Bucket struct {
	mu         sync.Mutex
	ratePerSec float64
	burst      float64
	tokens     float64
	lastRefill time.Time
}

// Result is returned by TryAcquire.
type Result struct {
	OK           bool
	RetryAfterMs int64
}

// New creates a bucket with the given sustained rate (requests per minute,
// per spec's rateLimitPerMinute knob) and burst capacity. The bucket starts
// full, matching the teacher's rate limiter.
func New(ratePerMinute float64, burst int) *Bucket {
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{
		ratePerSec: ratePerMinute / 60.0,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// TryAcquire attempts to deduct n tokens (default 1). It never blocks.
func (b *Bucket) TryAcquire(n int) Result {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return Result{OK: true}
	}

	deficit := need - b.tokens
	var retryAfterMs int64
	if b.ratePerSec > 0 {
		retryAfterMs = int64((deficit / b.ratePerSec) * 1000)
	}
	return Result{OK: false, RetryAfterMs: retryAfterMs}
}

func (b *Bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

// Tokens returns the current token count after an implicit refill, mostly
// useful for tests and observability.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// SetRate updates the sustained rate (requests per minute) in place.
func (b *Bucket) SetRate(ratePerMinute float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ratePerSec = ratePerMinute / 60.0
}
