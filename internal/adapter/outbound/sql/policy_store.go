package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// PolicyStore implements policy.Store against the policies/policy_versions
// tables.
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore wraps an already-migrated *sql.DB.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// CreateDraft implements policy.Store.
func (s *PolicyStore) CreateDraft(ctx context.Context, envID, name string) (*policy.PolicyRecord, error) {
	id := uuid.New().String()
	specJSON, err := json.Marshal(policy.PolicySpec{})
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, env_id, name, version, status, spec, hash)
		VALUES (?, ?, ?, 0, 'draft', ?, '')`,
		id, envID, name, specJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("sql: create draft: %w", err)
	}
	return &policy.PolicyRecord{
		ID:     id,
		EnvID:  envID,
		Name:   name,
		Status: policy.StatusDraft,
		Spec:   policy.PolicySpec{},
	}, nil
}

// SaveDraft implements policy.Store. It validates spec before accepting it.
func (s *PolicyStore) SaveDraft(ctx context.Context, id string, spec policy.PolicySpec) (*policy.PolicyRecord, error) {
	if errs := policy.Validate(spec); len(errs) > 0 {
		return nil, errs[0]
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE policies SET spec = ? WHERE id = ?`, specJSON, id)
	if err != nil {
		return nil, fmt.Errorf("sql: save draft: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, policy.ErrPolicyNotFound
	}
	return s.getByID(ctx, s.db, id)
}

// Publish implements policy.Store. It runs inside a BEGIN IMMEDIATE
// transaction so a concurrent publish on the same policy blocks on
// SQLite's write lock instead of racing: the loser either succeeds against
// the already-advanced state once it acquires the lock, or surfaces
// ErrPublishConflict if the driver's busy-timeout elapses first.
func (s *PolicyStore) Publish(ctx context.Context, id, publishedBy string, nowMs int64) (*policy.PolicyRecord, error) {
	// The DSN should carry _txlock=immediate (modernc.org/sqlite's DSN
	// option) so this BeginTx reserves SQLite's write lock up front rather
	// than lazily upgrading at the first write -- see Open's doc comment.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapBusyErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.getByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if errs := policy.Validate(rec.Spec); len(errs) > 0 {
		return nil, errs[0]
	}
	hash, err := policy.Hash(rec.Spec)
	if err != nil {
		return nil, err
	}
	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return nil, err
	}

	newVersion := rec.Version + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE policies SET version = ?, status = 'published', hash = ?, published_at = ?
		WHERE id = ?`,
		newVersion, hash, nowMs, id,
	); err != nil {
		return nil, fmt.Errorf("sql: publish: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO policy_versions (policy_id, version, spec, hash, published_at, published_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, newVersion, specJSON, hash, nowMs, publishedBy,
	); err != nil {
		return nil, fmt.Errorf("sql: write version snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapBusyErr(err)
	}

	rec.Version = newVersion
	rec.Status = policy.StatusPublished
	rec.Hash = hash
	rec.PublishedAt = nowMs
	return rec, nil
}

// GetPublished implements policy.Store. envID carries exactly one active
// policy at a time: the highest-versioned row currently in status
// published for that environment.
func (s *PolicyStore) GetPublished(ctx context.Context, envID string) (*policy.PolicyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, env_id, name, version, status, spec, hash, published_at
		FROM policies WHERE env_id = ? AND status = 'published'
		ORDER BY published_at DESC LIMIT 1`, envID)
	rec, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrPolicyNotFound
	}
	return rec, err
}

// GetByIDAndVersion implements policy.Store, reading the immutable snapshot
// written at publish time regardless of whether a newer version has since
// been published.
func (s *PolicyStore) GetByIDAndVersion(ctx context.Context, policyID string, version int) (*policy.PolicyVersionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT policy_id, version, spec, hash, published_at, published_by
		FROM policy_versions WHERE policy_id = ? AND version = ?`, policyID, version)

	var (
		specJSON []byte
		rec      policy.PolicyVersionRecord
	)
	err := row.Scan(&rec.PolicyID, &rec.Version, &specJSON, &rec.Hash, &rec.PublishedAt, &rec.PublishedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql: get version: %w", err)
	}
	if err := json.Unmarshal(specJSON, &rec.Spec); err != nil {
		return nil, fmt.Errorf("sql: decode version spec: %w", err)
	}
	return &rec, nil
}

// querier abstracts over *sql.DB and *sql.Tx for the read path shared by
// SaveDraft (outside a transaction) and Publish (inside one).
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *PolicyStore) getByID(ctx context.Context, q querier, id string) (*policy.PolicyRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, env_id, name, version, status, spec, hash, published_at
		FROM policies WHERE id = ?`, id)
	rec, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrPolicyNotFound
	}
	return rec, err
}

func scanPolicyRow(row *sql.Row) (*policy.PolicyRecord, error) {
	var (
		rec         policy.PolicyRecord
		specJSON    []byte
		status      string
		publishedAt sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.EnvID, &rec.Name, &rec.Version, &status, &specJSON, &rec.Hash, &publishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sql: scan policy row: %w", err)
	}
	rec.Status = policy.PolicyStatus(status)
	rec.PublishedAt = publishedAt.Int64
	if err := json.Unmarshal(specJSON, &rec.Spec); err != nil {
		return nil, fmt.Errorf("sql: decode policy spec: %w", err)
	}
	return &rec, nil
}

// mapBusyErr turns a SQLITE_BUSY-class error (the database-wide write lock
// held by a concurrent publisher) into ErrPublishConflict so callers retry
// through the same path §4.3 describes for the in-memory backend.
func mapBusyErr(err error) error {
	if err == nil {
		return nil
	}
	if isBusyErr(err) {
		return policy.ErrPublishConflict
	}
	return err
}
