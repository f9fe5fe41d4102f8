package auth

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned when no active key matches the presented prefix.
var ErrKeyNotFound = errors.New("auth: api key not found")

// Store provides the prefix-scoped lookup described in §4.5: callers fetch
// at most a small, bounded set of candidates sharing a prefix and compare
// each one's hash in constant time, rather than looking a single row up by
// its (unknown in advance) full hash. Revoked rows are included so the
// caller can distinguish "no such key" from "key existed but was revoked".
type Store interface {
	// CandidatesByPrefix returns every key (revoked or active) whose
	// keyPrefix matches prefix, capped at maxCandidates.
	CandidatesByPrefix(ctx context.Context, prefix string, maxCandidates int) ([]*ApiKey, error)
}
