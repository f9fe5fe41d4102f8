package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

// AuditStore implements audit.Store against the audit_entries table, the
// default sink (Audit.Output == "sql").
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore wraps an already-migrated *sql.DB.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append implements audit.Store. A caller-supplied entry.ID is preserved
// verbatim in the entry_id column; rowid_pk is a storage-only autoincrement
// key never exposed through the domain type.
func (s *AuditStore) Append(ctx context.Context, entry audit.Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	reasonsJSON, err := json.Marshal(entry.Reasons)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(entry.RedactedPayload)
	if err != nil {
		return err
	}
	countersBeforeJSON, err := json.Marshal(entry.CountersBefore)
	if err != nil {
		return err
	}
	countersAfterJSON, err := json.Marshal(entry.CountersAfter)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			entry_id, session_row_id, timestamp, tool_name, action_type,
			redacted_payload, decision, reasons, error_code,
			policy_version_used, policy_hash, state_before, state_after,
			counters_before, counters_after, execution_duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Timestamp, entry.ToolName, entry.ActionType,
		payloadJSON, string(entry.Decision), reasonsJSON, entry.ErrorCode,
		entry.PolicyVersionUsed, entry.PolicyHash, entry.StateBefore, entry.StateAfter,
		countersBeforeJSON, countersAfterJSON, entry.ExecutionDurationMs,
	)
	if err != nil {
		return fmt.Errorf("sql: append audit entry: %w", err)
	}
	return nil
}

// Recent implements audit.Store, returning the most recent entries for a
// session, newest first, bounded by limit.
func (s *AuditStore) Recent(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, session_row_id, timestamp, tool_name, action_type,
			redacted_payload, decision, reasons, error_code,
			policy_version_used, policy_hash, state_before, state_after,
			counters_before, counters_after, execution_duration_ms
		FROM audit_entries
		WHERE session_row_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sql: recent audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e                                      audit.Entry
			decision                               string
			reasonsJSON, payloadJSON               []byte
			countersBeforeJSON, countersAfterJSON   []byte
		)
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Timestamp, &e.ToolName, &e.ActionType,
			&payloadJSON, &decision, &reasonsJSON, &e.ErrorCode,
			&e.PolicyVersionUsed, &e.PolicyHash, &e.StateBefore, &e.StateAfter,
			&countersBeforeJSON, &countersAfterJSON, &e.ExecutionDurationMs,
		); err != nil {
			return nil, fmt.Errorf("sql: scan audit entry: %w", err)
		}
		e.Decision = audit.Decision(decision)
		if err := json.Unmarshal(payloadJSON, &e.RedactedPayload); err != nil {
			return nil, fmt.Errorf("sql: decode redacted payload: %w", err)
		}
		if err := json.Unmarshal(reasonsJSON, &e.Reasons); err != nil {
			return nil, fmt.Errorf("sql: decode reasons: %w", err)
		}
		if err := json.Unmarshal(countersBeforeJSON, &e.CountersBefore); err != nil {
			return nil, fmt.Errorf("sql: decode counters_before: %w", err)
		}
		if err := json.Unmarshal(countersAfterJSON, &e.CountersAfter); err != nil {
			return nil, fmt.Errorf("sql: decode counters_after: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close implements audit.Store. The underlying *sql.DB is owned by the
// caller that opened it (it is shared across all SQL-backed stores) and is
// not closed here.
func (s *AuditStore) Close() error {
	return nil
}

// Compile-time interface verification.
var _ audit.Store = (*AuditStore)(nil)
