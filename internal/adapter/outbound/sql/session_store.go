package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/domain/session"
)

// SessionStore implements session.Store against the sessions table.
type SessionStore struct {
	db *sql.DB

	// pending tracks the in-flight transaction opened by Lock, keyed by
	// session row ID, so a later UpdateState call for the same ID writes
	// through it instead of opening a second transaction.
	pendingMu sync.Mutex
	pending   map[string]*sql.Tx
}

// NewSessionStore wraps an already-migrated *sql.DB.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, pending: make(map[string]*sql.Tx)}
}

func (s *SessionStore) storePending(id string, tx *sql.Tx) {
	s.pendingMu.Lock()
	s.pending[id] = tx
	s.pendingMu.Unlock()
}

func (s *SessionStore) loadPending(id string) (*sql.Tx, bool) {
	s.pendingMu.Lock()
	tx, ok := s.pending[id]
	s.pendingMu.Unlock()
	return tx, ok
}

func (s *SessionStore) deletePending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// GetOrCreate implements session.Store. It attempts the insert first and
// falls back to a read on the (env_id, session_id) uniqueness violation,
// mirroring the teacher's insert-then-recover-on-conflict style rather than
// a read-then-insert race.
func (s *SessionStore) GetOrCreate(ctx context.Context, envID, sessionID string, defaults session.CreationDefaults) (*session.Session, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	countersJSON, _ := json.Marshal(map[string]int{})
	historyJSON, _ := json.Marshal([]string{})
	toolCountsJSON, _ := json.Marshal(map[string]int{})
	lastCallJSON, _ := json.Marshal(map[string]int64{})
	metadataJSON, err := json.Marshal(defaults.Metadata)
	if err != nil {
		return nil, false, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, env_id, session_id, agent_id, policy_id, policy_version_locked,
			initial_state, current_state, counters, tool_calls_history,
			tool_call_counts, last_tool_call_times, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, envID, sessionID, defaults.AgentID, defaults.PolicyID, defaults.PolicyVersionLocked,
		defaults.InitialState, defaults.InitialState, countersJSON, historyJSON,
		toolCountsJSON, lastCallJSON, metadataJSON, now.UnixMilli(), now.UnixMilli(),
	)
	if err == nil {
		sess, getErr := s.getByKey(ctx, envID, sessionID)
		return sess, true, getErr
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("sql: create session: %w", err)
	}

	sess, getErr := s.getByKey(ctx, envID, sessionID)
	if getErr != nil {
		return nil, false, getErr
	}
	return sess, false, nil
}

// Lock implements session.Store with a BEGIN IMMEDIATE transaction (dsn
// should carry _txlock=immediate, see Open) scoped to id. release commits
// the transaction; UpdateState, called while the lock is held, writes
// through the same transaction via the closure below.
func (s *SessionStore) Lock(ctx context.Context, id string) (func(), error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapLockErr(err)
	}
	s.storePending(id, tx)
	return func() {
		s.deletePending(id)
		_ = tx.Commit()
	}, nil
}

// UpdateState implements session.Store. It writes through the transaction
// opened by a prior Lock(ctx, id) call if one is still pending for id,
// otherwise it runs as its own single-statement transaction (e.g. when a
// caller updates state without taking the row lock, which is safe since the
// UPDATE itself is atomic).
func (s *SessionStore) UpdateState(ctx context.Context, id string, mutation session.Mutation) error {
	countersJSON, err := json.Marshal(mutation.NewCounters)
	if err != nil {
		return err
	}
	historyJSON, err := json.Marshal(mutation.NewHistory)
	if err != nil {
		return err
	}
	toolCountsJSON, err := json.Marshal(mutation.NewToolCallCounts)
	if err != nil {
		return err
	}

	var exec sqlExecer = s.db
	if tx, ok := s.loadPending(id); ok {
		exec = tx
	}

	row := exec.QueryRowContext(ctx, `SELECT last_tool_call_times FROM sessions WHERE id = ?`, id)
	var lastCallJSON []byte
	if err := row.Scan(&lastCallJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrSessionNotFound
		}
		return fmt.Errorf("sql: read last_tool_call_times: %w", err)
	}
	lastCalls := map[string]int64{}
	if err := json.Unmarshal(lastCallJSON, &lastCalls); err != nil {
		return session.ErrSessionCorrupted
	}
	lastCalls[mutation.LastCallTool] = mutation.LastCallTimeMs
	newLastCallJSON, err := json.Marshal(lastCalls)
	if err != nil {
		return err
	}

	res, err := exec.ExecContext(ctx, `
		UPDATE sessions SET current_state = ?, counters = ?, tool_calls_history = ?,
			tool_call_counts = ?, last_tool_call_times = ?, updated_at = ?
		WHERE id = ?`,
		mutation.NewState, countersJSON, historyJSON, toolCountsJSON, newLastCallJSON,
		time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("sql: update session state: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// Get implements session.Store. If a Lock(ctx, id) transaction is still
// pending for id, it reads through that same transaction -- with
// maxOpenConns=1 a read against s.db here would otherwise block forever
// waiting for the single pooled connection the pending transaction is
// holding.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var exec sqlExecer = s.db
	if tx, ok := s.loadPending(id); ok {
		exec = tx
	}
	row := exec.QueryRowContext(ctx, sessionSelectColumns+` WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SessionStore) getByKey(ctx context.Context, envID, sessionID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectColumns+` WHERE env_id = ? AND session_id = ?`, envID, sessionID)
	return scanSession(row)
}

const sessionSelectColumns = `
	SELECT id, env_id, session_id, agent_id, policy_id, policy_version_locked,
		initial_state, current_state, counters, tool_calls_history,
		tool_call_counts, last_tool_call_times, metadata, created_at, updated_at
	FROM sessions`

func scanSession(row *sql.Row) (*session.Session, error) {
	var (
		sess                                                   session.Session
		countersJSON, historyJSON, toolCountsJSON, lastCallJSON []byte
		metadataJSON                                            []byte
		createdAtMs, updatedAtMs                                int64
	)
	err := row.Scan(
		&sess.ID, &sess.EnvID, &sess.SessionID, &sess.AgentID, &sess.PolicyID, &sess.PolicyVersionLocked,
		&sess.InitialState, &sess.CurrentState, &countersJSON, &historyJSON,
		&toolCountsJSON, &lastCallJSON, &metadataJSON, &createdAtMs, &updatedAtMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql: scan session row: %w", err)
	}

	if err := json.Unmarshal(countersJSON, &sess.Counters); err != nil {
		return nil, session.ErrSessionCorrupted
	}
	if err := json.Unmarshal(historyJSON, &sess.ToolCallsHistory); err != nil {
		return nil, session.ErrSessionCorrupted
	}
	if err := json.Unmarshal(toolCountsJSON, &sess.ToolCallCounts); err != nil {
		return nil, session.ErrSessionCorrupted
	}
	if err := json.Unmarshal(lastCallJSON, &sess.LastToolCallTimes); err != nil {
		return nil, session.ErrSessionCorrupted
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
			return nil, session.ErrSessionCorrupted
		}
	}
	sess.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	return &sess, nil
}

// sqlExecer abstracts over *sql.DB and *sql.Tx for the statements UpdateState
// issues either standalone or inside a Lock-opened transaction.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT")
}

func mapLockErr(err error) error {
	if err != nil && isBusyErr(err) {
		return fmt.Errorf("sql: session row lock unavailable: %w", err)
	}
	return err
}
