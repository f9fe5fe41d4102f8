// Package memory provides in-memory implementations of the outbound store
// interfaces, mirroring the teacher's deep-copy-on-read discipline.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/domain/session"
)

const stripeCount = 64

// SessionStore implements session.Store with an in-memory map, guarded by a
// striped set of mutexes keyed by session row ID so unrelated sessions don't
// contend on the same lock (teacher's lock-striping discipline, generalized
// from rate-limit keys to session rows here).
type SessionStore struct {
	mu      sync.RWMutex
	byKey   map[string]*session.Session // envID+"/"+sessionID -> session
	byID    map[string]*session.Session
	stripes [stripeCount]sync.Mutex
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byKey: make(map[string]*session.Session),
		byID:  make(map[string]*session.Session),
	}
}

func (s *SessionStore) stripeFor(id string) *sync.Mutex {
	h := xxhash.Sum64String(id)
	return &s.stripes[h%stripeCount]
}

// GetOrCreate implements session.Store.
func (s *SessionStore) GetOrCreate(ctx context.Context, envID, sessionID string, defaults session.CreationDefaults) (*session.Session, bool, error) {
	key := envID + "/" + sessionID

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[key]; ok {
		return copySession(existing), false, nil
	}

	id, err := generateID()
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	sess := &session.Session{
		ID:                  id,
		EnvID:               envID,
		SessionID:           sessionID,
		AgentID:             defaults.AgentID,
		PolicyID:            defaults.PolicyID,
		PolicyVersionLocked: defaults.PolicyVersionLocked,
		InitialState:        defaults.InitialState,
		CurrentState:        defaults.InitialState,
		Counters:            map[string]int{},
		ToolCallsHistory:    nil,
		ToolCallCounts:      map[string]int{},
		LastToolCallTimes:   map[string]int64{},
		Metadata:            defaults.Metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.byKey[key] = sess
	s.byID[id] = sess
	return copySession(sess), true, nil
}

// Lock implements session.Store using a stripe keyed by session row ID. It
// is an approximation of true per-row locking: two distinct session IDs
// hashing to the same stripe serialize against each other too, which is an
// acceptable false-sharing cost for an in-memory/test backend.
func (s *SessionStore) Lock(ctx context.Context, id string) (func(), error) {
	stripe := s.stripeFor(id)
	stripe.Lock()
	return stripe.Unlock, nil
}

// UpdateState implements session.Store.
func (s *SessionStore) UpdateState(ctx context.Context, id string, mutation session.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	sess.CurrentState = mutation.NewState
	sess.Counters = mutation.NewCounters
	sess.ToolCallsHistory = mutation.NewHistory
	sess.ToolCallCounts = mutation.NewToolCallCounts
	if sess.LastToolCallTimes == nil {
		sess.LastToolCallTimes = map[string]int64{}
	}
	sess.LastToolCallTimes[mutation.LastCallTool] = mutation.LastCallTimeMs
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// Get implements session.Store.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.byID[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return copySession(sess), nil
}

func generateID() (string, error) {
	return uuid.New().String(), nil
}

func copySession(sess *session.Session) *session.Session {
	cp := *sess
	cp.Counters = copyIntMap(sess.Counters)
	cp.ToolCallCounts = copyIntMap(sess.ToolCallCounts)
	cp.LastToolCallTimes = copyInt64Map(sess.LastToolCallTimes)
	cp.ToolCallsHistory = append([]string(nil), sess.ToolCallsHistory...)
	if sess.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(sess.Metadata))
		for k, v := range sess.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ session.Store = (*SessionStore)(nil)
