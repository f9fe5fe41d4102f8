// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/toolgate/toolgate/internal/domain/ratelimit"
)

const rateLimiterStripes = 256

type windowKey struct {
	apiKeyID    string
	windowStart int64
}

// RateLimiter implements ratelimit.Store with an in-memory sliding
// one-minute-window counter, guarded by a set of striped mutexes keyed by
// xxhash of the API key ID so unrelated keys don't contend on the same
// lock. Includes background cleanup to prevent unbounded memory growth as
// keys roll out of their window.
type RateLimiter struct {
	mu              sync.Mutex
	windows         map[windowKey]int
	lastSeen        map[windowKey]time.Time
	stripes         [rateLimiterStripes]sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxAge          time.Duration
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup
// settings. Default cleanup interval: 5 minutes, default maxAge: 1 hour --
// far longer than the 1-minute window, so a late-arriving request for a
// window that just rolled off still sees that window's count rather than a
// clean slate.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 1*time.Hour)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom
// cleanup settings.
func NewRateLimiterWithConfig(cleanupInterval, maxAge time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:         make(map[windowKey]int),
		lastSeen:        make(map[windowKey]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxAge:          maxAge,
	}
}

func (r *RateLimiter) stripeFor(apiKeyID string) *sync.Mutex {
	h := xxhash.Sum64String(apiKeyID)
	return &r.stripes[h%rateLimiterStripes]
}

// IncrementAndGet implements ratelimit.Store as a single atomic
// upsert-and-increment: the stripe lock for apiKeyID is held for the whole
// read-modify-write so two concurrent requests in the same window can never
// both observe a pre-increment count.
func (r *RateLimiter) IncrementAndGet(ctx context.Context, apiKeyID string, windowStart int64) (int, error) {
	stripe := r.stripeFor(apiKeyID)
	stripe.Lock()
	defer stripe.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	key := windowKey{apiKeyID: apiKeyID, windowStart: windowStart}
	r.windows[key]++
	r.lastSeen[key] = time.Now()
	return r.windows[key], nil
}

// StartCleanup starts the background cleanup goroutine. It stops when ctx
// is cancelled or Stop() is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.maxAge)
	cleaned := 0
	for key, seen := range r.lastSeen {
		if seen.Before(cutoff) {
			delete(r.windows, key)
			delete(r.lastSeen, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_windows", cleaned,
			"remaining_windows", len(r.windows))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked windows. Useful for testing
// and monitoring memory usage.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// Compile-time interface verification.
var _ ratelimit.Store = (*RateLimiter)(nil)
