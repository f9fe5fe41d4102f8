// Package audit implements the append-only decision log (C6) and the
// payload redactor (C8).
package audit

import "github.com/toolgate/toolgate/internal/domain/policy"

// Decision mirrors the outcome of one runtime check, as recorded in an Entry.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionBlocked Decision = "blocked"
)

// ReasonRecord is one entry in an Entry's reason chain.
type ReasonRecord struct {
	Code    string
	Message string
	RuleRef string
}

// Entry is a single append-only audit record. Once written it is never
// mutated.
type Entry struct {
	ID              string
	SessionID       string // the store-assigned session row ID
	Timestamp       int64  // unix millis
	ToolName        string
	ActionType      string
	RedactedPayload map[string]interface{}
	Decision        Decision
	Reasons         []ReasonRecord
	ErrorCode       string // empty if Decision == allowed and no blocking reason fired
	PolicyVersionUsed int
	PolicyHash        string
	StateBefore       string
	StateAfter        string
	CountersBefore    map[string]int
	CountersAfter     map[string]int
	ExecutionDurationMs int64
}

// FromDecision builds the reason/state/counter portion of an Entry from an
// evaluator Decision, the pre-call snapshot, and timing metadata.
func FromDecision(
	id, sessionID string,
	toolName, actionType string,
	redactedPayload map[string]interface{},
	d policy.Decision,
	stateBefore string,
	countersBefore map[string]int,
	policyVersion int,
	policyHash string,
	timestampMs, durationMs int64,
) Entry {
	decision := DecisionBlocked
	if d.Allowed {
		decision = DecisionAllowed
	}
	reasons := make([]ReasonRecord, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		reasons = append(reasons, ReasonRecord{Code: string(r.Code), Message: r.Message, RuleRef: r.RuleRef})
	}
	return Entry{
		ID:                  id,
		SessionID:           sessionID,
		Timestamp:           timestampMs,
		ToolName:            toolName,
		ActionType:          actionType,
		RedactedPayload:     redactedPayload,
		Decision:            decision,
		Reasons:             reasons,
		ErrorCode:           string(d.ErrorCode),
		PolicyVersionUsed:   policyVersion,
		PolicyHash:          policyHash,
		StateBefore:         stateBefore,
		StateAfter:          d.NewState,
		CountersBefore:      countersBefore,
		CountersAfter:       d.NewCounters,
		ExecutionDurationMs: durationMs,
	}
}
