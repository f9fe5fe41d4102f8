// Package ratelimit implements the sliding one-minute-window rate gate (§4.5).
package ratelimit

// WindowMillis is the fixed window size the limiter buckets requests into.
const WindowMillis = 60_000

// WindowStart floors nowMs to the containing minute boundary.
func WindowStart(nowMs int64) int64 {
	return (nowMs / WindowMillis) * WindowMillis
}

// Window is one (apiKeyId, windowStart) row: requestCount is the number of
// requests observed in that minute so far.
type Window struct {
	ApiKeyID     string
	WindowStart  int64
	RequestCount int
}

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed      bool
	RequestCount int // post-increment count
	Limit        int
	// RetryAfterSeconds is populated when Allowed is false.
	RetryAfterSeconds int
}
