package session

import (
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// DefaultInitialState is used when the locked policy declares no state
// machine.
const DefaultInitialState = "initial"

// Snapshot builds the read-only view the evaluator consults from a Session
// row. The returned maps/slices are defensive copies; the evaluator never
// sees (and cannot mutate) the caller's live session state.
func Snapshot(s *Session) policy.SessionSnapshot {
	return policy.SessionSnapshot{
		CurrentState:      s.CurrentState,
		Counters:          copyIntMap(s.Counters),
		ToolCallsHistory:  append([]string(nil), s.ToolCallsHistory...),
		ToolCallCounts:    copyIntMap(s.ToolCallCounts),
		LastToolCallTimes: copyInt64Map(s.LastToolCallTimes),
	}
}

// BuildMutation turns an allowed Decision into the atomic state update
// described in §4.4, truncating history to maxHistory (tail-preserving).
func BuildMutation(s *Session, toolName string, d policy.Decision, nowMs int64, maxHistory int) Mutation {
	history := appendOrTruncate(s.ToolCallsHistory, toolName, maxHistory)
	return Mutation{
		NewState:          d.NewState,
		NewCounters:       d.NewCounters,
		NewHistory:        history,
		NewToolCallCounts: d.NewToolCallCounts,
		LastCallTool:      toolName,
		LastCallTimeMs:    nowMs,
	}
}

// appendOrTruncate appends name to history, dropping the oldest entries
// first if the result would exceed maxHistory. maxHistory <= 0 means
// unbounded.
func appendOrTruncate(history []string, name string, maxHistory int) []string {
	out := append(append([]string(nil), history...), name)
	if maxHistory > 0 && len(out) > maxHistory {
		out = out[len(out)-maxHistory:]
	}
	return out
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
