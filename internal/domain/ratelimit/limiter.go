package ratelimit

import "context"

// Store performs the atomic upsert-and-increment described in §4.5: a
// single database operation (or transaction) so concurrent requests on the
// same key cannot both observe a count below the ceiling.
//
// Implementations: a SQL-backed store using an upsert statement, and an
// in-memory store using a striped mutex keyed by a fast non-cryptographic
// hash of the API key ID (see internal/adapter/outbound/memory).
type Store interface {
	// IncrementAndGet atomically increments the (apiKeyID, windowStart)
	// counter, creating the row if absent, and returns the post-increment
	// count.
	IncrementAndGet(ctx context.Context, apiKeyID string, windowStart int64) (int, error)
}

// Limiter enforces a fixed per-key-per-minute request ceiling.
type Limiter struct {
	store             Store
	requestsPerMinute int
}

// NewLimiter builds a Limiter. requestsPerMinute comes from configuration
// (RATE_LIMIT_REQUESTS_PER_MINUTE).
func NewLimiter(store Store, requestsPerMinute int) *Limiter {
	return &Limiter{store: store, requestsPerMinute: requestsPerMinute}
}

// Allow increments the current window's counter and reports whether the
// post-increment count is within the configured ceiling.
func (l *Limiter) Allow(ctx context.Context, apiKeyID string, nowMs int64) (Result, error) {
	windowStart := WindowStart(nowMs)
	count, err := l.store.IncrementAndGet(ctx, apiKeyID, windowStart)
	if err != nil {
		return Result{}, err
	}

	if count > l.requestsPerMinute {
		return Result{
			Allowed:           false,
			RequestCount:      count,
			Limit:             l.requestsPerMinute,
			RetryAfterSeconds: 60,
		}, nil
	}
	return Result{Allowed: true, RequestCount: count, Limit: l.requestsPerMinute}, nil
}
