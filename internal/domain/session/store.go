package session

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session id does not resolve to a row.
var ErrSessionNotFound = errors.New("session: not found")

// ErrSessionCorrupted is returned when a stored session row fails to decode
// (e.g. malformed counters/history JSON) -- the caller must fail closed with
// SESSION_CORRUPTED rather than guess at a recovered value.
var ErrSessionCorrupted = errors.New("session: corrupted row")

// Store provides session persistence and the per-session serialization
// point described in §5: the row-level lock acquired by Lock must be held
// for the duration of one request's evaluate-audit-write critical section.
//
// Implementations: a SQL-backed store (default) and an in-memory store
// (tests, embedded deployments), mirroring the teacher's dual-backend
// discipline for its session/state stores.
type Store interface {
	// GetOrCreate returns the existing row for (envID, sessionID), or
	// inserts one seeded from defaults. created reports which happened.
	// On a uniqueness violation under concurrent creation, implementations
	// re-read and return the winning row with created=false.
	GetOrCreate(ctx context.Context, envID, sessionID string, defaults CreationDefaults) (sess *Session, created bool, err error)

	// Lock acquires the row-level write lock for id, valid until Unlock is
	// called via the returned release function. Evaluation performs no I/O
	// while the lock is held (see §5) -- only the surrounding orchestration
	// (audit append, state write) happens inside the critical section.
	Lock(ctx context.Context, id string) (release func(), err error)

	// UpdateState applies Mutation atomically: currentState, counters,
	// toolCallsHistory, toolCallCounts, lastToolCallTimes, and updatedAt
	// all advance together.
	UpdateState(ctx context.Context, id string, mutation Mutation) error

	// Get retrieves a session by its store-assigned ID.
	Get(ctx context.Context, id string) (*Session, error)
}
