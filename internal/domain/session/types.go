// Package session manages runtime sessions across policy-gated tool calls.
package session

import "time"

// Session is the per-agent, per-sessionId execution context. It pins a
// policy version at creation and never repoints it, even across republishes.
type Session struct {
	// ID is the store-assigned primary key.
	ID string
	// EnvID scopes the session to an environment.
	EnvID string
	// SessionID is the caller-supplied session identifier; unique per EnvID.
	SessionID string
	// AgentID identifies the calling agent, as reported by the caller.
	AgentID string
	// PolicyID is the policy this session is bound to.
	PolicyID string
	// PolicyVersionLocked is set at creation and never changes.
	PolicyVersionLocked int
	// InitialState is the state machine's initial state at creation time,
	// or "initial" if the locked policy declares no state machine.
	InitialState string
	// CurrentState is always a member of the locked policy's state set.
	CurrentState string
	// Counters holds per-session counter values by name.
	Counters map[string]int
	// ToolCallsHistory is the ordered, allowed-only sequence of tool names,
	// tail-preserving and bounded by a configured maximum length.
	ToolCallsHistory []string
	// ToolCallCounts is derived from ToolCallsHistory but persisted
	// alongside it for O(1) lookup during evaluation.
	ToolCallCounts map[string]int
	// LastToolCallTimes holds, per tool, the unix-millis timestamp of the
	// last allowed call.
	LastToolCallTimes map[string]int64
	// Metadata is an opaque caller-supplied map, passed through unmodified.
	Metadata  map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreationDefaults carries the values fixed at session creation time: the
// currently published policy's identity and the state machine's initial
// state.
type CreationDefaults struct {
	AgentID             string
	PolicyID            string
	PolicyVersionLocked int
	InitialState        string
	Metadata            map[string]interface{}
}

// Mutation is the single atomic state update applied after an allowed
// decision. All five fields move together.
type Mutation struct {
	NewState          string
	NewCounters       map[string]int
	NewHistory        []string
	NewToolCallCounts map[string]int
	LastCallTool      string
	LastCallTimeMs    int64
}
