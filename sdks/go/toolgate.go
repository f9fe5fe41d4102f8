// Package toolgate provides a Go SDK for the toolgate Runtime Check API.
//
// toolgate is a runtime policy decision service for AI agent tool calls. This
// SDK enables Go agents and gateways to ask whether a tool call is allowed
// before executing it. It uses only the Go standard library (net/http) with
// zero external dependencies.
//
// Quick start:
//
//	// Set TOOLGATE_SERVER_ADDR and TOOLGATE_API_KEY env vars, then:
//	client := toolgate.NewClient()
//
//	_, err := client.Decide(ctx, toolgate.CheckRequest{
//	    SessionID: "sess-1",
//	    AgentID:   "agent-1",
//	    ToolName:  "read_file",
//	    Payload:   map[string]any{"path": "/tmp/test.txt"},
//	})
//	if err != nil {
//	    var denied *toolgate.DecisionDeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Printf("denied: %s\n", denied.ErrorCode)
//	    }
//	}
package toolgate

// ActionType classifies a tool call for policy matching. Matches §3's
// ActionType enum; empty is a valid, unclassified default.
type ActionType string

const (
	ActionTypeRead       ActionType = "read"
	ActionTypeWrite      ActionType = "write"
	ActionTypeSideEffect ActionType = "side_effect"
)

// CheckRequest is a runtime policy decision request sent to the toolgate
// server. Fields map to the POST /runtime-check request body (§6).
type CheckRequest struct {
	// SessionID identifies the agent session the call belongs to. Session
	// state (counters, history) persists across calls sharing this ID.
	SessionID string `json:"sessionId"`

	// AgentID identifies the calling agent.
	AgentID string `json:"agentId"`

	// ToolName is the tool being invoked (e.g. "read_file", "send_email").
	ToolName string `json:"toolName"`

	// ActionType optionally classifies the call for policy matching.
	ActionType ActionType `json:"actionType,omitempty"`

	// Payload contains the tool call's arguments as key-value pairs.
	Payload map[string]any `json:"payload,omitempty"`

	// Metadata carries caller-supplied context that is not itself part of
	// the tool call (e.g. request origin). The server stores it with the
	// session when the session is created; policies are not evaluated
	// against it.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DecisionReason is one entry of decisionReasons in the §6 response,
// explaining which rule produced (part of) the decision.
type DecisionReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RuleRef string `json:"ruleRef,omitempty"`
}

// CheckResponse is the structured result of a runtime policy decision,
// matching the §6 response body.
type CheckResponse struct {
	// Allowed is true if the tool call is permitted to proceed.
	Allowed bool `json:"allowed"`

	// ErrorCode is set on the failure path; see the ErrorCode* constants.
	ErrorCode string `json:"errorCode,omitempty"`

	// DecisionReasons explains what drove the decision, in the order the
	// server's checks produced them.
	DecisionReasons []DecisionReason `json:"decisionReasons"`

	// PolicyVersionUsed is the published policy version the session is
	// locked to.
	PolicyVersionUsed int `json:"policyVersionUsed,omitempty"`

	// PolicyHash is a content hash of the evaluated policy, for audit
	// correlation.
	PolicyHash string `json:"policyHash,omitempty"`

	// StateBefore and StateAfter are the session's state-machine state names
	// immediately before and after this call.
	StateBefore string `json:"stateBefore,omitempty"`
	StateAfter  string `json:"stateAfter,omitempty"`

	// Counters reports the session's named counter values after this call.
	Counters map[string]int `json:"counters,omitempty"`

	// ExecutionDurationMs is the server-side evaluation latency.
	ExecutionDurationMs int64 `json:"executionDurationMs"`
}

// Stable error codes returned in CheckResponse.ErrorCode / wrapped SDK
// errors, matching the server's §6/§7 vocabulary.
const (
	ErrorCodeInvalidAPIKey    = "INVALID_API_KEY"
	ErrorCodeAPIKeyRevoked    = "API_KEY_REVOKED"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeInvalidInput     = "INVALID_INPUT"
	ErrorCodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	ErrorCodePolicyNotFound   = "POLICY_NOT_FOUND"
	ErrorCodeSessionCorrupted = "SESSION_CORRUPTED"
	ErrorCodeDatabaseUnavail  = "DATABASE_UNAVAILABLE"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
	ErrorCodeToolExplicitDeny = "TOOL_EXPLICITLY_DENIED"
)
