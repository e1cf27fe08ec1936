package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLimiterRejectsRequestOverLimit(t *testing.T) {
	limiter := NewMemoryLimiter(100, time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		allowed, _, err := limiter.CheckAndIncrement(ctx, "client-a")
		if err != nil || !allowed {
			t.Fatalf("expected request %d to be allowed, err=%v", i, err)
		}
	}
	allowed, retryAfter, _ := limiter.CheckAndIncrement(ctx, "client-a")
	if allowed {
		t.Fatalf("expected 101st request to be rejected")
	}
	if retryAfter != 55*time.Second {
		t.Fatalf("expected retry after remainder of window, got %s", retryAfter)
	}

	if allowed, _, _ := limiter.CheckAndIncrement(ctx, "client-b"); !allowed {
		t.Fatalf("expected other client to be unaffected")
	}
}

func TestMemoryLimiterResetsOnNextWindow(t *testing.T) {
	limiter := NewMemoryLimiter(1, time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, _ = limiter.CheckAndIncrement(ctx, "c")
	if allowed, _, _ := limiter.CheckAndIncrement(ctx, "c"); allowed {
		t.Fatalf("expected second call in window to be rejected")
	}
	now = now.Add(time.Minute)
	if allowed, _, _ := limiter.CheckAndIncrement(ctx, "c"); !allowed {
		t.Fatalf("expected new window to allow request")
	}
}

func TestMemoryLimiterConcurrentAllowsExactlyLimit(t *testing.T) {
	limiter := NewMemoryLimiter(50, time.Hour)
	var allowedCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := limiter.CheckAndIncrement(context.Background(), "shared"); ok {
				allowedCount.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowedCount.Load() != 50 {
		t.Fatalf("expected exactly 50 allowed, got %d", allowedCount.Load())
	}
}

func TestMemoryLimiterDisabledWhenLimitNotPositive(t *testing.T) {
	limiter := NewMemoryLimiter(0, time.Minute)
	for i := 0; i < 10; i++ {
		if ok, _, _ := limiter.CheckAndIncrement(context.Background(), "c"); !ok {
			t.Fatalf("expected disabled limiter to allow everything")
		}
	}
}
