//go:build !integration

// File: internal/infra/marketdata/rate_limiter_test.go
package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_DrainAndRefill(t *testing.T) {
	rl := NewRateLimiter(2, 100)

	if !rl.TryAcquire() || !rl.TryAcquire() {
		t.Fatalf("expected two tokens from a fresh bucket")
	}
	if rl.TryAcquire() {
		t.Fatalf("bucket should be empty after draining capacity")
	}

	// 100 tokens per second refills well past capacity in 50ms.
	time.Sleep(50 * time.Millisecond)
	if !rl.TryAcquire() {
		t.Fatalf("expected a refilled token")
	}
}

func TestRateLimiter_WaitBlocksForRefill(t *testing.T) {
	rl := NewRateLimiter(1, 50)
	ctx := context.Background()

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	// The second token cannot exist before 20ms at 50 tokens per second.
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("second Wait returned after %v, expected a refill delay", elapsed)
	}
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	if !rl.TryAcquire() {
		t.Fatalf("expected the initial token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait error = %v, want deadline exceeded", err)
	}
}
