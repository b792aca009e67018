package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/unso/internal/clock"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(t0)
	m := NewMemoryLimiter(fc, rate, burst)
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
	})
	return m, fc
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m, _ := newLimiter(t, 10, 5)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected Allow to return true for request %d (within burst)", i)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m, _ := newLimiter(t, 10, 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected Allow=false after burst exhausted")
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	m, fc := newLimiter(t, 2, 2) // one token per 500ms

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, "k1")
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("should be denied immediately after exhausting burst")
	}

	fc.Advance(400 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("should still be denied before a full token accrues")
	}

	fc.Advance(200 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("expected Allow=true after refill period")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newLimiter(t, 10, 1)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "truck-1"); !ok {
		t.Fatal("first request for truck-1 should succeed")
	}
	if ok, _ := m.Allow(ctx, "truck-1"); ok {
		t.Fatal("second request for truck-1 should be denied")
	}
	if ok, _ := m.Allow(ctx, "truck-2"); !ok {
		t.Fatal("first request for truck-2 should succeed")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newLimiter(t, 100, 50)

	ctx := context.Background()
	var wg sync.WaitGroup
	allowed := make([]int, 10)

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if ok {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	// The fake clock does not move, so exactly the burst is admitted.
	if total != 50 {
		t.Fatalf("expected 50 allowed requests, got %d", total)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, fc := newLimiter(t, 10, 5)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "stale")
	fc.Advance(5 * time.Minute)
	_, _ = m.Allow(ctx, "recent")
	fc.Advance(6 * time.Minute)

	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()

	if staleExists {
		t.Fatal("expected stale bucket to be evicted")
	}
	if !recentExists {
		t.Fatal("expected recent bucket to survive eviction")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(clock.Real(), 10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(ctx, "anything")
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !ok {
			t.Fatal("NoopLimiter should always return true")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, fc := newLimiter(t, 1000, 3)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "k1")
	fc.Advance(time.Hour)

	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("expected Allow=true for request %d after long idle", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected Allow=false after burst exhausted, even after long idle")
	}
}
