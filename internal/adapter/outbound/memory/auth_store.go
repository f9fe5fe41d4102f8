// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/toolgate/toolgate/internal/domain/auth"
)

// AuthStore implements auth.Store with in-memory maps keyed by key prefix,
// so CandidatesByPrefix is a direct map lookup rather than a scan.
// Thread-safe for concurrent access. For development/testing only.
type AuthStore struct {
	mu       sync.RWMutex
	byPrefix map[string][]*auth.ApiKey
}

// NewAuthStore creates a new in-memory auth store.
func NewAuthStore() *AuthStore {
	return &AuthStore{byPrefix: make(map[string][]*auth.ApiKey)}
}

// Seed registers a key for tests and bootstrap/admin flows.
func (s *AuthStore) Seed(key *auth.ApiKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyCopy := *key
	s.byPrefix[key.KeyPrefix] = append(s.byPrefix[key.KeyPrefix], &keyCopy)
}

// Revoke marks a stored key revoked by ID (for testing/admin flows).
func (s *AuthStore) Revoke(id string, revokedAtMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, candidates := range s.byPrefix {
		for _, k := range candidates {
			if k.ID == id {
				k.RevokedAt = revokedAtMs
				return true
			}
		}
	}
	return false
}

// CandidatesByPrefix implements auth.Store. It returns both active and
// revoked keys sharing the prefix so the validator can distinguish
// "no such key" from "key existed but was revoked", sorted by ID for
// determinism and capped at maxCandidates.
func (s *AuthStore) CandidatesByPrefix(ctx context.Context, prefix string, maxCandidates int) ([]*auth.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.byPrefix[prefix]
	if len(matches) == 0 {
		return nil, nil
	}
	out := make([]*auth.ApiKey, len(matches))
	for i, k := range matches {
		keyCopy := *k
		out[i] = &keyCopy
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if maxCandidates > 0 && len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out, nil
}

// Compile-time interface verification.
var _ auth.Store = (*AuthStore)(nil)
