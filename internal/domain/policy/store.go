package policy

import (
	"context"
	"errors"
)

var (
	ErrPolicyNotFound  = errors.New("policy not found")
	ErrVersionNotFound = errors.New("policy version not found")
	ErrPublishConflict = errors.New("concurrent publish raced this one; retry")
)

// Store persists policies, assigns monotonic versions on publish, and
// retains every published version as an immutable, independently fetchable
// record (§4.3 C3).
type Store interface {
	// CreateDraft creates a new policy row in status draft with an empty
	// spec, scoped to envID.
	CreateDraft(ctx context.Context, envID, name string) (*PolicyRecord, error)

	// SaveDraft validates spec and, on success, overwrites the draft's
	// working spec. It never advances version or status.
	SaveDraft(ctx context.Context, id string, spec PolicySpec) (*PolicyRecord, error)

	// Publish validates the draft spec, computes its canonical hash,
	// atomically increments the policy's version, marks it published, and
	// writes an immutable PolicyVersionRecord. Concurrent publishes on the
	// same (envID, policyID) are serialized; a losing publish returns
	// ErrPublishConflict so the caller can retry against the new state.
	Publish(ctx context.Context, id, publishedBy string, nowMs int64) (*PolicyRecord, error)

	// GetPublished returns the highest-versioned published policy for
	// envID. envID carries exactly one active policy at a time.
	GetPublished(ctx context.Context, envID string) (*PolicyRecord, error)

	// GetByIDAndVersion returns the exact immutable spec recorded at
	// publish time for (policyID, version), regardless of whether a newer
	// version has since been published. This is what session-locked
	// evaluation reads (Open Question ii): never "current published".
	GetByIDAndVersion(ctx context.Context, policyID string, version int) (*PolicyVersionRecord, error)
}
