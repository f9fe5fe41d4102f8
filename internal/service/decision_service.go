// Package service contains the application services that orchestrate the
// domain packages into the runtime decision flow (§4.7 C7).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/auth"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/ratelimit"
	"github.com/toolgate/toolgate/internal/domain/session"
)

// ErrPolicyNotFound is returned when the environment has no published
// policy at all. It is distinct from policy.ErrPolicyNotFound, which is an
// internal store error; this is the decision-service-level sentinel the
// HTTP layer maps to 404 POLICY_NOT_FOUND.
var ErrPolicyNotFound = errors.New("decision: no published policy for environment")

// CallRequest is one runtime-check request submitted by a caller.
type CallRequest struct {
	EnvID      string
	SessionID  string
	AgentID    string
	ToolName   string
	ActionType policy.ActionType
	Payload    map[string]interface{}
	Metadata   map[string]interface{}
}

// Result is the full outcome of one runtime check, shaped for direct
// marshaling onto the §6 wire response.
type Result struct {
	Allowed             bool
	ErrorCode           string
	DecisionReasons     []policy.Reason
	PolicyVersionUsed   int
	PolicyHash          string
	StateBefore         string
	StateAfter          string
	Counters            map[string]int
	ExecutionDurationMs int64
}

// Clock abstracts the current time as unix millis so evaluation stays
// deterministic and testable without depending on wall-clock time directly.
type Clock func() int64

// DecisionService implements the C7 orchestration pseudocode: authenticate,
// rate-limit, load the session-locked policy, evaluate, redact, audit, and
// conditionally persist the new session state -- all while holding the
// session's row-level write lock for the critical section.
type DecisionService struct {
	policies  policy.Store
	sessions  session.Store
	validator *auth.Validator
	limiter   *ratelimit.Limiter
	auditLog  audit.Store
	logger    *slog.Logger

	maxHistoryLength int
	now              Clock
}

// NewDecisionService builds a DecisionService. now is injected so tests can
// supply a deterministic clock; production wiring passes a wrapper around
// time.Now().UnixMilli.
func NewDecisionService(
	policies policy.Store,
	sessions session.Store,
	validator *auth.Validator,
	limiter *ratelimit.Limiter,
	auditLog audit.Store,
	maxHistoryLength int,
	now Clock,
	logger *slog.Logger,
) *DecisionService {
	return &DecisionService{
		policies:         policies,
		sessions:         sessions,
		validator:        validator,
		limiter:          limiter,
		auditLog:         auditLog,
		logger:           logger,
		maxHistoryLength: maxHistoryLength,
		now:              now,
	}
}

// Authenticate validates a presented API key via C5. Returns the matched
// key on success; the returned error is one of auth.ErrKeyTooShort,
// auth.ErrInvalidKey, auth.ErrKeyRevoked, or a store/infrastructure error.
func (s *DecisionService) Authenticate(ctx context.Context, presented string) (*auth.ApiKey, error) {
	return s.validator.Validate(ctx, presented)
}

// CheckRateLimit enforces the per-API-key-per-minute ceiling via C5.
func (s *DecisionService) CheckRateLimit(ctx context.Context, apiKeyID string) (ratelimit.Result, error) {
	return s.limiter.Allow(ctx, apiKeyID, s.now())
}

// Decide runs the full C7 orchestration for one runtime-check request. envID
// is the environment the authenticated API key is scoped to.
func (s *DecisionService) Decide(ctx context.Context, req CallRequest) (*Result, error) {
	t0 := s.now()

	policyRecord, err := s.policies.GetPublished(ctx, req.EnvID)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("decision: load published policy: %w", err)
	}

	defaults := session.CreationDefaults{
		AgentID:             req.AgentID,
		PolicyID:            policyRecord.ID,
		PolicyVersionLocked: policyRecord.Version,
		InitialState:        initialStateOf(policyRecord.Spec),
		Metadata:            req.Metadata,
	}
	created, _, err := s.sessions.GetOrCreate(ctx, req.EnvID, req.SessionID, defaults)
	if err != nil {
		return nil, fmt.Errorf("decision: get or create session: %w", err)
	}

	release, err := s.sessions.Lock(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("decision: acquire session lock: %w", err)
	}
	defer release()

	// Re-read the row now that the lock is held: GetOrCreate's result may
	// already be stale by the time Lock returns, since another request
	// could have run its whole critical section in between. Evaluation,
	// audit, and state write must all see the same, freshly-locked state.
	sess, err := s.sessions.Get(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("decision: re-read locked session: %w", err)
	}

	lockedSpec, err := s.policies.GetByIDAndVersion(ctx, sess.PolicyID, sess.PolicyVersionLocked)
	if err != nil {
		return nil, fmt.Errorf("decision: load locked policy version: %w", err)
	}

	snapshot := session.Snapshot(sess)
	callReq := policy.CallRequest{
		ToolName:   req.ToolName,
		ActionType: req.ActionType,
		Payload:    req.Payload,
	}
	decision := policy.Evaluate(lockedSpec.Spec, snapshot, callReq, t0)

	redacted := audit.Redact(req.Payload)

	nowMs := s.now()
	entry := audit.FromDecision(
		"", sess.ID,
		req.ToolName, string(req.ActionType),
		redacted,
		decision,
		sess.CurrentState,
		sess.Counters,
		sess.PolicyVersionLocked,
		lockedSpec.Hash,
		nowMs, nowMs-t0,
	)
	if err := s.auditLog.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed", "sessionId", sess.ID, "error", err)
	}

	if decision.Allowed {
		mutation := session.BuildMutation(sess, req.ToolName, decision, t0, s.maxHistoryLength)
		if err := s.sessions.UpdateState(ctx, sess.ID, mutation); err != nil {
			s.logger.Error("session state write failed after allowed decision", "sessionId", sess.ID, "error", err)
		}
	}

	return &Result{
		Allowed:             decision.Allowed,
		ErrorCode:           string(decision.ErrorCode),
		DecisionReasons:     decision.Reasons,
		PolicyVersionUsed:   sess.PolicyVersionLocked,
		PolicyHash:          lockedSpec.Hash,
		StateBefore:         sess.CurrentState,
		StateAfter:          decision.NewState,
		Counters:            decision.NewCounters,
		ExecutionDurationMs: s.now() - t0,
	}, nil
}

// initialStateOf returns the locked policy's state-machine initial state,
// or "initial" if the spec declares no state machine.
func initialStateOf(spec policy.PolicySpec) string {
	if spec.StateMachine != nil && spec.StateMachine.InitialState != "" {
		return spec.StateMachine.InitialState
	}
	return "initial"
}
