package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/toolgate/toolgate/internal/domain/auth"
)

// AuthStore implements auth.Store against the api_keys table.
type AuthStore struct {
	db *sql.DB
}

// NewAuthStore wraps an already-migrated *sql.DB.
func NewAuthStore(db *sql.DB) *AuthStore {
	return &AuthStore{db: db}
}

// CandidatesByPrefix implements auth.Store. Both active and revoked rows
// sharing prefix are returned so Validator.Validate can distinguish
// ErrInvalidKey from ErrKeyRevoked after the constant-time hash comparison.
// The query has no revoked_at condition, so SQLite cannot use the partial
// index on (key_prefix) WHERE revoked_at IS NULL for it.
func (s *AuthStore) CandidatesByPrefix(ctx context.Context, prefix string, maxCandidates int) ([]*auth.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, env_id, key_prefix, key_hash, revoked_at
		FROM api_keys WHERE key_prefix = ?
		ORDER BY id LIMIT ?`, prefix, maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("sql: candidates by prefix: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*auth.ApiKey
	for rows.Next() {
		var (
			k         auth.ApiKey
			revokedAt sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.EnvID, &k.KeyPrefix, &k.KeyHash, &revokedAt); err != nil {
			return nil, fmt.Errorf("sql: scan api key row: %w", err)
		}
		k.RevokedAt = revokedAt.Int64
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Seed inserts an API key row, used by admin-facing provisioning flows.
func (s *AuthStore) Seed(ctx context.Context, key *auth.ApiKey) error {
	var revokedAt interface{}
	if key.RevokedAt != 0 {
		revokedAt = key.RevokedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, env_id, key_prefix, key_hash, revoked_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.ID, key.EnvID, key.KeyPrefix, key.KeyHash, revokedAt,
	)
	if err != nil {
		return fmt.Errorf("sql: seed api key: %w", err)
	}
	return nil
}

// Revoke marks a key revoked as of revokedAtMs. Reports whether a row was
// updated.
func (s *AuthStore) Revoke(ctx context.Context, id string, revokedAtMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, revokedAtMs, id)
	if err != nil {
		return false, fmt.Errorf("sql: revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Compile-time interface verification.
var _ auth.Store = (*AuthStore)(nil)
