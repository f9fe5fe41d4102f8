// Package http provides the HTTP transport adapter for the decision service.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/internal/domain/auth"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/session"
	"github.com/toolgate/toolgate/internal/service"
)

// maxFieldLength bounds sessionId, agentId, and toolName per §6.
const maxFieldLength = 256

// decisionRequest is the §6 request body shape.
type decisionRequest struct {
	SessionID  string                 `json:"sessionId"`
	AgentID    string                 `json:"agentId"`
	ToolName   string                 `json:"toolName"`
	ActionType string                 `json:"actionType,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// reasonWire is one entry of decisionReasons in the §6 response.
type reasonWire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RuleRef string `json:"ruleRef,omitempty"`
}

// decisionResponse is the §6 response body shape, shared by both the
// success and failure paths.
type decisionResponse struct {
	Allowed             bool           `json:"allowed"`
	ErrorCode           string         `json:"errorCode,omitempty"`
	DecisionReasons     []reasonWire   `json:"decisionReasons"`
	PolicyVersionUsed   int            `json:"policyVersionUsed,omitempty"`
	PolicyHash          string         `json:"policyHash,omitempty"`
	StateBefore         string         `json:"stateBefore,omitempty"`
	StateAfter          string         `json:"stateAfter,omitempty"`
	Counters            map[string]int `json:"counters,omitempty"`
	ExecutionDurationMs int64          `json:"executionDurationMs"`
}

// DecisionHandler serves POST /runtime-check (§4.7 C7).
type DecisionHandler struct {
	decisions       *service.DecisionService
	envResolver     EnvResolver
	maxPayloadBytes int64
	metrics         *Metrics
}

// EnvResolver maps an authenticated API key to the environment ID its
// requests are scoped to. The default implementation returns key.EnvID
// directly; it is a function (not a method on ApiKey) so callers can
// override the mapping in tests.
type EnvResolver func(key *auth.ApiKey) string

// DefaultEnvResolver scopes every request to the authenticated key's own
// environment, per §3's data model.
func DefaultEnvResolver(key *auth.ApiKey) string { return key.EnvID }

// NewDecisionHandler builds a DecisionHandler. metrics may be nil, in which
// case per-decision outcome counting is skipped.
func NewDecisionHandler(decisions *service.DecisionService, envResolver EnvResolver, maxPayloadBytes int64, metrics *Metrics) *DecisionHandler {
	if envResolver == nil {
		envResolver = DefaultEnvResolver
	}
	return &DecisionHandler{decisions: decisions, envResolver: envResolver, maxPayloadBytes: maxPayloadBytes, metrics: metrics}
}

// ServeHTTP implements the full C7 pseudocode: validate, authenticate, rate
// limit, parse/validate the body, then delegate orchestration to
// DecisionService.Decide.
func (h *DecisionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())
	t0 := time.Now()
	elapsed := func() int64 { return time.Since(t0).Milliseconds() }

	if r.ContentLength > h.maxPayloadBytes {
		writeFailure(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", elapsed())
		return
	}

	presented := APIKeyFromContext(r.Context())
	if presented == "" {
		writeFailure(w, http.StatusUnauthorized, "INVALID_API_KEY", elapsed())
		return
	}

	key, err := h.decisions.Authenticate(r.Context(), presented)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrKeyRevoked):
			writeFailure(w, http.StatusUnauthorized, "API_KEY_REVOKED", elapsed())
		case errors.Is(err, auth.ErrInvalidKey), errors.Is(err, auth.ErrKeyTooShort):
			writeFailure(w, http.StatusUnauthorized, "INVALID_API_KEY", elapsed())
		default:
			logger.Error("authentication backend error", "error", err)
			writeFailure(w, http.StatusInternalServerError, "DATABASE_UNAVAILABLE", elapsed())
		}
		return
	}

	rateResult, err := h.decisions.CheckRateLimit(r.Context(), key.ID)
	if err != nil {
		logger.Error("rate limit backend error", "error", err)
		writeFailure(w, http.StatusInternalServerError, "DATABASE_UNAVAILABLE", elapsed())
		return
	}
	if !rateResult.Allowed {
		w.Header().Set("Retry-After", "60")
		writeFailure(w, http.StatusTooManyRequests, "RATE_LIMITED", elapsed())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxPayloadBytes+1))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_INPUT", elapsed())
		return
	}
	if int64(len(body)) > h.maxPayloadBytes {
		writeFailure(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", elapsed())
		return
	}

	var req decisionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_INPUT", elapsed())
		return
	}
	if validationErr := validateDecisionRequest(req); validationErr != "" {
		logger.Debug("rejecting malformed decision request", "reason", validationErr)
		writeFailure(w, http.StatusBadRequest, "INVALID_INPUT", elapsed())
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}

	callReq := service.CallRequest{
		EnvID:      h.envResolver(key),
		SessionID:  req.SessionID,
		AgentID:    req.AgentID,
		ToolName:   req.ToolName,
		ActionType: policy.ActionType(req.ActionType),
		Payload:    req.Payload,
		Metadata:   req.Metadata,
	}

	result, err := h.decisions.Decide(r.Context(), callReq)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPolicyNotFound):
			writeFailure(w, http.StatusNotFound, "POLICY_NOT_FOUND", elapsed())
		case errors.Is(err, session.ErrSessionCorrupted):
			writeFailure(w, http.StatusInternalServerError, "SESSION_CORRUPTED", elapsed())
		default:
			logger.Error("decision orchestration failed", "error", err)
			writeFailure(w, http.StatusInternalServerError, "INTERNAL_ERROR", elapsed())
		}
		return
	}

	if h.metrics != nil {
		label := "deny"
		if result.Allowed {
			label = "allow"
		}
		h.metrics.PolicyEvaluations.WithLabelValues(label).Inc()
	}

	writeSuccess(w, result)
}

// validateDecisionRequest returns a non-empty human-readable reason if req
// fails the §6 field constraints, or "" if it passes.
func validateDecisionRequest(req decisionRequest) string {
	if req.SessionID == "" || len(req.SessionID) > maxFieldLength {
		return "sessionId missing or too long"
	}
	if req.AgentID == "" || len(req.AgentID) > maxFieldLength {
		return "agentId missing or too long"
	}
	if req.ToolName == "" || len(req.ToolName) > maxFieldLength {
		return "toolName missing or too long"
	}
	switch policy.ActionType(req.ActionType) {
	case "", policy.ActionTypeRead, policy.ActionTypeWrite, policy.ActionTypeSideEffect:
	default:
		return "actionType not one of read|write|side_effect"
	}
	return ""
}

func writeSuccess(w http.ResponseWriter, result *service.Result) {
	resp := decisionResponse{
		Allowed:             result.Allowed,
		ErrorCode:           result.ErrorCode,
		DecisionReasons:     toReasonWire(result.DecisionReasons),
		PolicyVersionUsed:   result.PolicyVersionUsed,
		PolicyHash:          result.PolicyHash,
		StateBefore:         result.StateBefore,
		StateAfter:          result.StateAfter,
		Counters:            result.Counters,
		ExecutionDurationMs: result.ExecutionDurationMs,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeFailure(w http.ResponseWriter, status int, errorCode string, durationMs int64) {
	resp := decisionResponse{
		Allowed:             false,
		ErrorCode:           errorCode,
		DecisionReasons:     []reasonWire{},
		ExecutionDurationMs: durationMs,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func toReasonWire(reasons []policy.Reason) []reasonWire {
	out := make([]reasonWire, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, reasonWire{Code: string(r.Code), Message: r.Message, RuleRef: r.RuleRef})
	}
	return out
}
