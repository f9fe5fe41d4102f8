package auth

import (
	"context"
	"errors"
	"testing"
)

type mockStore struct {
	keys []*ApiKey
}

func (m *mockStore) CandidatesByPrefix(ctx context.Context, prefix string, maxCandidates int) ([]*ApiKey, error) {
	var out []*ApiKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
		if len(out) >= maxCandidates {
			break
		}
	}
	return out, nil
}

func makeKey(envID, raw string, revoked bool) *ApiKey {
	k := &ApiKey{
		ID:        "key-" + raw,
		EnvID:     envID,
		KeyPrefix: raw[:8],
		KeyHash:   HashKey(raw),
	}
	if revoked {
		k.RevokedAt = 1
	}
	return k
}

func TestValidator_ValidKeyMatches(t *testing.T) {
	raw := "tg_live_abcdefghijklmnopqrstuvwxyz"
	store := &mockStore{keys: []*ApiKey{makeKey("env-1", raw, false)}}
	v := NewValidator(store, 8, 20)

	key, err := v.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if key.EnvID != "env-1" {
		t.Fatalf("EnvID = %q, want env-1", key.EnvID)
	}
}

func TestValidator_NoMatch(t *testing.T) {
	store := &mockStore{keys: []*ApiKey{makeKey("env-1", "tg_live_abcdefghijklmnopqrstuvwxyz", false)}}
	v := NewValidator(store, 8, 20)

	_, err := v.Validate(context.Background(), "tg_live_zzzzzzzzzzzzzzzzzzzzzzzzz")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("error = %v, want ErrInvalidKey", err)
	}
}

func TestValidator_RevokedKeyDistinguished(t *testing.T) {
	raw := "tg_live_abcdefghijklmnopqrstuvwxyz"
	store := &mockStore{keys: []*ApiKey{makeKey("env-1", raw, true)}}
	v := NewValidator(store, 8, 20)

	_, err := v.Validate(context.Background(), raw)
	if !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("error = %v, want ErrKeyRevoked", err)
	}
}

func TestValidator_BelowMinimumLength(t *testing.T) {
	store := &mockStore{}
	v := NewValidator(store, 8, 20)

	_, err := v.Validate(context.Background(), "short")
	if !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("error = %v, want ErrKeyTooShort", err)
	}
}

func TestValidator_PrefixCollisionPicksCorrectCandidate(t *testing.T) {
	rawA := "tg_live_aaaaaaaaaaaaaaaaaaaaaaaaa"
	rawB := "tg_live_aaaaaaaaaaaaaaaaaaaaaaaab"
	store := &mockStore{keys: []*ApiKey{
		makeKey("env-a", rawA, false),
		makeKey("env-b", rawB, false),
	}}
	v := NewValidator(store, 8, 20)

	key, err := v.Validate(context.Background(), rawB)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if key.EnvID != "env-b" {
		t.Fatalf("EnvID = %q, want env-b", key.EnvID)
	}
}

func TestHashKey_Deterministic(t *testing.T) {
	if HashKey("abc") != HashKey("abc") {
		t.Fatal("HashKey is not deterministic")
	}
	if len(HashKey("abc")) != 64 {
		t.Fatalf("hash length = %d, want 64", len(HashKey("abc")))
	}
}
