package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/toolgate/toolgate/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.Store against the rate_limit_windows
// table using a single upsert statement, the atomic unit §4.5 calls for --
// no explicit transaction is needed since SQLite executes the whole
// statement atomically.
type RateLimiter struct {
	db *sql.DB
}

// NewRateLimiter wraps an already-migrated *sql.DB.
func NewRateLimiter(db *sql.DB) *RateLimiter {
	return &RateLimiter{db: db}
}

// IncrementAndGet implements ratelimit.Store with a single INSERT ...
// ON CONFLICT ... RETURNING statement: the increment and the read of the
// post-increment count happen as one atomic SQLite operation.
func (r *RateLimiter) IncrementAndGet(ctx context.Context, apiKeyID string, windowStart int64) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_windows (api_key_id, window_start, request_count)
		VALUES (?, ?, 1)
		ON CONFLICT (api_key_id, window_start)
		DO UPDATE SET request_count = request_count + 1
		RETURNING request_count`,
		apiKeyID, windowStart,
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("sql: increment rate limit window: %w", err)
	}
	return count, nil
}

// Compile-time interface verification.
var _ ratelimit.Store = (*RateLimiter)(nil)
