package memory

import (
	"context"
	"sync"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// PolicyStore implements policy.Store with in-memory maps.
// Thread-safe for concurrent access. For development/testing only.
type PolicyStore struct {
	mu        sync.Mutex
	byID      map[string]*policy.PolicyRecord
	published map[string]string                               // envID -> policyID of the current published policy
	versions  map[string]map[int]*policy.PolicyVersionRecord // policyID -> version -> record
}

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		byID:      make(map[string]*policy.PolicyRecord),
		published: make(map[string]string),
		versions:  make(map[string]map[int]*policy.PolicyVersionRecord),
	}
}

// CreateDraft implements policy.Store.
func (s *PolicyStore) CreateDraft(ctx context.Context, envID, name string) (*policy.PolicyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return nil, err
	}
	rec := &policy.PolicyRecord{
		ID:     id,
		EnvID:  envID,
		Name:   name,
		Status: policy.StatusDraft,
		Spec:   policy.PolicySpec{},
	}
	s.byID[id] = copyPolicyRecord(rec)
	return copyPolicyRecord(rec), nil
}

// SaveDraft implements policy.Store. It validates spec before accepting it.
func (s *PolicyStore) SaveDraft(ctx context.Context, id string, spec policy.PolicySpec) (*policy.PolicyRecord, error) {
	if errs := policy.Validate(spec); len(errs) > 0 {
		return nil, errs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	rec.Spec = spec
	return copyPolicyRecord(rec), nil
}

// Publish implements policy.Store. Since all mutation happens under s.mu,
// concurrent publishes on the same policy ID are naturally serialized; the
// second to acquire the lock simply reads the state the first one left, so
// ErrPublishConflict never surfaces for this in-memory backend (the SQL
// adapter is where optimistic-concurrency retries matter).
func (s *PolicyStore) Publish(ctx context.Context, id, publishedBy string, nowMs int64) (*policy.PolicyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	if errs := policy.Validate(rec.Spec); len(errs) > 0 {
		return nil, errs[0]
	}
	hash, err := policy.Hash(rec.Spec)
	if err != nil {
		return nil, err
	}

	rec.Version++
	rec.Status = policy.StatusPublished
	rec.Hash = hash
	rec.PublishedAt = nowMs

	if s.versions[id] == nil {
		s.versions[id] = make(map[int]*policy.PolicyVersionRecord)
	}
	s.versions[id][rec.Version] = &policy.PolicyVersionRecord{
		PolicyID:    id,
		Version:     rec.Version,
		Spec:        rec.Spec,
		Hash:        hash,
		PublishedAt: nowMs,
		PublishedBy: publishedBy,
	}
	s.published[rec.EnvID] = id

	return copyPolicyRecord(rec), nil
}

// GetPublished implements policy.Store.
func (s *PolicyStore) GetPublished(ctx context.Context, envID string) (*policy.PolicyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.published[envID]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	rec, ok := s.byID[id]
	if !ok || rec.Status != policy.StatusPublished {
		return nil, policy.ErrPolicyNotFound
	}
	return copyPolicyRecord(rec), nil
}

// GetByIDAndVersion implements policy.Store. It reads the immutable
// version record written at publish time, independent of whether a newer
// version has since been published -- the basis of session-locked
// evaluation.
func (s *PolicyStore) GetByIDAndVersion(ctx context.Context, policyID string, version int) (*policy.PolicyVersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVersion, ok := s.versions[policyID]
	if !ok {
		return nil, policy.ErrVersionNotFound
	}
	rec, ok := byVersion[version]
	if !ok {
		return nil, policy.ErrVersionNotFound
	}
	cp := *rec
	return &cp, nil
}

func copyPolicyRecord(p *policy.PolicyRecord) *policy.PolicyRecord {
	cp := *p
	cp.Spec.ToolRules = append([]policy.ToolRule(nil), p.Spec.ToolRules...)
	cp.Spec.Counters = append([]policy.CounterDef(nil), p.Spec.Counters...)
	if p.Spec.StateMachine != nil {
		sm := *p.Spec.StateMachine
		sm.States = append([]string(nil), p.Spec.StateMachine.States...)
		sm.Transitions = append([]policy.Transition(nil), p.Spec.StateMachine.Transitions...)
		cp.Spec.StateMachine = &sm
	}
	return &cp
}

// Compile-time interface verification.
var _ policy.Store = (*PolicyStore)(nil)
