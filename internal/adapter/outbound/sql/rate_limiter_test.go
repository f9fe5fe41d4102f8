package sql

import (
	"context"
	"sync"
	"testing"
)

func TestRateLimiter_IncrementAndGet_SameWindowAccumulates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	limiter := NewRateLimiter(openTestDB(t))

	c1, err := limiter.IncrementAndGet(ctx, "key-1", 60_000)
	if err != nil {
		t.Fatalf("IncrementAndGet() error: %v", err)
	}
	if c1 != 1 {
		t.Fatalf("first increment = %d, want 1", c1)
	}

	c2, err := limiter.IncrementAndGet(ctx, "key-1", 60_000)
	if err != nil {
		t.Fatalf("IncrementAndGet() error: %v", err)
	}
	if c2 != 2 {
		t.Fatalf("second increment = %d, want 2", c2)
	}
}

func TestRateLimiter_DifferentWindowsDoNotShareCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	limiter := NewRateLimiter(openTestDB(t))

	limiter.IncrementAndGet(ctx, "key-1", 60_000)
	limiter.IncrementAndGet(ctx, "key-1", 60_000)

	c, err := limiter.IncrementAndGet(ctx, "key-1", 120_000)
	if err != nil {
		t.Fatalf("IncrementAndGet() error: %v", err)
	}
	if c != 1 {
		t.Fatalf("new window count = %d, want 1", c)
	}
}

func TestRateLimiter_DifferentKeysDoNotShareCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	limiter := NewRateLimiter(openTestDB(t))

	limiter.IncrementAndGet(ctx, "key-1", 60_000)
	limiter.IncrementAndGet(ctx, "key-1", 60_000)

	c, err := limiter.IncrementAndGet(ctx, "key-2", 60_000)
	if err != nil {
		t.Fatalf("IncrementAndGet() error: %v", err)
	}
	if c != 1 {
		t.Fatalf("unrelated key count = %d, want 1", c)
	}
}

func TestRateLimiter_ConcurrentIncrementsSerializeCorrectly(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(openTestDB(t))

	const n = 30
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := limiter.IncrementAndGet(ctx, "hot-key", 60_000); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent increment error: %v", err)
	}

	final, err := limiter.IncrementAndGet(ctx, "hot-key", 60_000)
	if err != nil {
		t.Fatalf("IncrementAndGet() error: %v", err)
	}
	if final != n+1 {
		t.Fatalf("final count = %d, want %d (%d concurrent + this call, no lost updates)", final, n+1, n)
	}
}

func TestRateLimiter_PersistsAcrossConnections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	limiter := NewRateLimiter(db)

	if _, err := limiter.IncrementAndGet(ctx, "key-1", 60_000); err != nil {
		t.Fatalf("IncrementAndGet() error: %v", err)
	}

	reopened := NewRateLimiter(db)
	c, err := reopened.IncrementAndGet(ctx, "key-1", 60_000)
	if err != nil {
		t.Fatalf("IncrementAndGet() on reopened limiter error: %v", err)
	}
	if c != 2 {
		t.Fatalf("count = %d, want 2 (window must persist across handles)", c)
	}
}
