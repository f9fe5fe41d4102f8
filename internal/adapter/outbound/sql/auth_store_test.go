package sql

import (
	"context"
	"sync"
	"testing"

	"github.com/toolgate/toolgate/internal/domain/auth"
)

func TestAuthStore_CandidatesByPrefix_Found(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewAuthStore(openTestDB(t))

	if err := store.Seed(ctx, &auth.ApiKey{ID: "k1", EnvID: "env-1", KeyPrefix: "tg_live_", KeyHash: "hash1"}); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	got, err := store.CandidatesByPrefix(ctx, "tg_live_", 8)
	if err != nil {
		t.Fatalf("CandidatesByPrefix() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "k1" {
		t.Fatalf("got %+v, want one candidate k1", got)
	}
}

func TestAuthStore_CandidatesByPrefix_NoMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewAuthStore(openTestDB(t))

	got, err := store.CandidatesByPrefix(ctx, "tg_live_", 8)
	if err != nil {
		t.Fatalf("CandidatesByPrefix() error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d candidates, want 0", len(got))
	}
}

func TestAuthStore_CandidatesByPrefix_RevokedAndActiveBothReturned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewAuthStore(openTestDB(t))

	store.Seed(ctx, &auth.ApiKey{ID: "active", EnvID: "env-1", KeyPrefix: "tg_live_", KeyHash: "hash-active"})
	store.Seed(ctx, &auth.ApiKey{ID: "revoked", EnvID: "env-1", KeyPrefix: "tg_live_", KeyHash: "hash-revoked", RevokedAt: 1000})

	got, err := store.CandidatesByPrefix(ctx, "tg_live_", 8)
	if err != nil {
		t.Fatalf("CandidatesByPrefix() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2 (active + revoked)", len(got))
	}
}

func TestAuthStore_CandidatesByPrefix_CappedAtMax(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewAuthStore(openTestDB(t))

	for i := 0; i < 5; i++ {
		store.Seed(ctx, &auth.ApiKey{ID: string(rune('a' + i)), EnvID: "env-1", KeyPrefix: "tg_live_", KeyHash: "h"})
	}

	got, err := store.CandidatesByPrefix(ctx, "tg_live_", 3)
	if err != nil {
		t.Fatalf("CandidatesByPrefix() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want capped at 3", len(got))
	}
}

func TestAuthStore_Revoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewAuthStore(openTestDB(t))
	store.Seed(ctx, &auth.ApiKey{ID: "k1", EnvID: "env-1", KeyPrefix: "tg_live_", KeyHash: "hash1"})

	ok, err := store.Revoke(ctx, "k1", 5000)
	if err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if !ok {
		t.Fatal("Revoke() = false, want true for existing key")
	}

	got, err := store.CandidatesByPrefix(ctx, "tg_live_", 8)
	if err != nil {
		t.Fatalf("CandidatesByPrefix() error: %v", err)
	}
	if !got[0].Revoked() {
		t.Fatal("key should be revoked after Revoke()")
	}
}

func TestAuthStore_Revoke_AlreadyRevokedReturnsFalse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewAuthStore(openTestDB(t))
	store.Seed(ctx, &auth.ApiKey{ID: "k1", EnvID: "env-1", KeyPrefix: "tg_live_", KeyHash: "hash1", RevokedAt: 1000})

	ok, err := store.Revoke(ctx, "k1", 5000)
	if err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if ok {
		t.Fatal("Revoke() = true, want false for an already-revoked key")
	}
}

func TestAuthStore_Revoke_UnknownID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewAuthStore(openTestDB(t))

	ok, err := store.Revoke(ctx, "nonexistent", 5000)
	if err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if ok {
		t.Fatal("Revoke() = true, want false for an unknown key id")
	}
}

func TestAuthStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewAuthStore(openTestDB(t))
	store.Seed(ctx, &auth.ApiKey{ID: "k1", EnvID: "env-1", KeyPrefix: "tg_live_", KeyHash: "hash1"})

	var wg sync.WaitGroup
	errCh := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CandidatesByPrefix(ctx, "tg_live_", 8); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}
}
