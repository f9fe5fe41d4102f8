package audit

import "context"

// Store persists audit entries. A failed Append is logged by the caller but
// must never change an already-computed decision (§7 propagation rule).
//
// Two sinks satisfy this interface: a SQL-backed store (the default) and a
// JSON-lines file store with rotation and retention, in the teacher's
// style, for filesystem-only deployments.
type Store interface {
	Append(ctx context.Context, entry Entry) error

	// Recent returns the most recent entries for a session, newest first,
	// bounded by limit. Mirrors the teacher's ring-buffer recent-entries
	// cache for operational tooling.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	Close() error
}
