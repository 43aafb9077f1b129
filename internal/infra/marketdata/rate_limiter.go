// File: internal/infra/marketdata/rate_limiter.go
package marketdata

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Tokens refill continuously at perSec up to
// capacity; Wait blocks until a token is available or the context ends.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	perSec     float64
	lastRefill time.Time
}

func NewRateLimiter(capacity, perSec int) *RateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if perSec <= 0 {
		perSec = 1
	}
	return &RateLimiter{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		perSec:     float64(perSec),
		lastRefill: time.Now(),
	}
}

func (r *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.perSec
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now
}

// TryAcquire consumes a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refillLocked()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		deficit := 1 - r.tokens
		r.mu.Unlock()

		wait := time.Duration(deficit / r.perSec * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
