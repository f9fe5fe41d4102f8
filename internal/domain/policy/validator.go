package policy

import (
	"fmt"
	"regexp"
)

// ValidationError is a single structural or semantic defect found in a
// PolicySpec at validate time.
type ValidationError struct {
	Path    string
	Message string
	Code    string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Path, e.Message, e.Code)
}

// guardPattern is the single-comparison guard grammar from the evaluator spec.
var guardPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*(<=|<|>=|>|==|!=)\s*(-?\d+)\s*$`)

// Validate rejects a structurally or semantically malformed spec, returning
// every defect found (not just the first). A successful publish (C3) must
// call Validate and refuse to advance the policy's version on any error.
func Validate(spec PolicySpec) []ValidationError {
	var errs []ValidationError

	if spec.Version == "" {
		errs = append(errs, ValidationError{"version", "must not be empty", "INVALID_VERSION"})
	}
	if spec.DefaultDecision != DefaultAllow && spec.DefaultDecision != DefaultDeny {
		errs = append(errs, ValidationError{"defaultDecision", "must be 'allow' or 'deny'", "INVALID_DEFAULT_DECISION"})
	}

	seenTools := make(map[string]bool, len(spec.ToolRules))
	for i, rule := range spec.ToolRules {
		path := fmt.Sprintf("toolRules[%d]", i)

		if rule.ToolName == "" {
			errs = append(errs, ValidationError{path + ".toolName", "must not be empty", "INVALID_TOOL_NAME"})
		} else if seenTools[rule.ToolName] {
			errs = append(errs, ValidationError{path + ".toolName", "duplicate toolName " + rule.ToolName, "DUPLICATE_TOOL_NAME"})
		}
		seenTools[rule.ToolName] = true

		if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
			errs = append(errs, ValidationError{path + ".effect", "must be 'allow' or 'deny'", "INVALID_EFFECT"})
		}

		if rule.ActionType != "" && rule.ActionType != ActionTypeRead && rule.ActionType != ActionTypeWrite && rule.ActionType != ActionTypeSideEffect {
			errs = append(errs, ValidationError{path + ".actionType", "must be one of read|write|side_effect", "INVALID_ACTION_TYPE"})
		}

		if rule.MaxCallsPerSession != nil && *rule.MaxCallsPerSession < 0 {
			errs = append(errs, ValidationError{path + ".maxCallsPerSession", "must be non-negative", "INVALID_MAX_CALLS"})
		}
		if rule.CooldownMs != nil && *rule.CooldownMs < 0 {
			errs = append(errs, ValidationError{path + ".cooldownMs", "must be non-negative", "INVALID_COOLDOWN"})
		}

		for j, rc := range rule.DenyIfRegexMatch {
			if _, err := regexp.Compile(rc.Pattern); err != nil {
				errs = append(errs, ValidationError{fmt.Sprintf("%s.denyIfRegexMatch[%d].pattern", path, j), "does not compile: " + err.Error(), "INVALID_REGEX"})
			}
		}
		for j, rc := range rule.AllowOnlyIfRegexMatch {
			if _, err := regexp.Compile(rc.Pattern); err != nil {
				errs = append(errs, ValidationError{fmt.Sprintf("%s.allowOnlyIfRegexMatch[%d].pattern", path, j), "does not compile: " + err.Error(), "INVALID_REGEX"})
			}
		}
	}

	counterNames := make(map[string]bool, len(spec.Counters))
	for i, c := range spec.Counters {
		path := fmt.Sprintf("counters[%d]", i)
		if c.Scope != "session" {
			errs = append(errs, ValidationError{path + ".scope", "must be 'session'", "INVALID_COUNTER_SCOPE"})
		}
		counterNames[c.Name] = true
	}

	// requireState can only be checked once we know the declared state set.
	var stateSet map[string]bool
	if spec.StateMachine != nil {
		stateSet = make(map[string]bool, len(spec.StateMachine.States))
		errs = append(errs, validateStateMachine(*spec.StateMachine, seenTools, counterNames)...)
		for _, s := range spec.StateMachine.States {
			stateSet[s] = true
		}
	}

	for i, rule := range spec.ToolRules {
		if rule.RequireState == "" {
			continue
		}
		path := fmt.Sprintf("toolRules[%d].requireState", i)
		if spec.StateMachine == nil {
			errs = append(errs, ValidationError{path, "requireState set but no stateMachine declared", "UNDECLARED_STATE"})
			continue
		}
		if !stateSet[rule.RequireState] {
			errs = append(errs, ValidationError{path, "references undeclared state " + rule.RequireState, "UNDECLARED_STATE"})
		}
	}

	return errs
}

func validateStateMachine(sm StateMachine, declaredTools map[string]bool, declaredCounters map[string]bool) []ValidationError {
	var errs []ValidationError

	if len(sm.States) == 0 {
		errs = append(errs, ValidationError{"stateMachine.states", "must not be empty", "EMPTY_STATE_SET"})
	}
	seen := make(map[string]bool, len(sm.States))
	for _, s := range sm.States {
		if seen[s] {
			errs = append(errs, ValidationError{"stateMachine.states", "duplicate state " + s, "DUPLICATE_STATE"})
		}
		seen[s] = true
	}
	if !seen[sm.InitialState] {
		errs = append(errs, ValidationError{"stateMachine.initialState", "not a member of states", "INVALID_INITIAL_STATE"})
	}

	for i, t := range sm.Transitions {
		path := fmt.Sprintf("stateMachine.transitions[%d]", i)
		if !seen[t.FromState] {
			errs = append(errs, ValidationError{path + ".fromState", "undeclared state " + t.FromState, "UNDECLARED_STATE"})
		}
		if !seen[t.ToState] {
			errs = append(errs, ValidationError{path + ".toState", "undeclared state " + t.ToState, "UNDECLARED_STATE"})
		}
		if !declaredTools[t.TriggeredByTool] {
			errs = append(errs, ValidationError{path + ".triggeredByTool", "undeclared tool " + t.TriggeredByTool, "UNDECLARED_TOOL"})
		}
		if t.FromState == t.ToState && t.Guard == "" {
			errs = append(errs, ValidationError{path, "self-loop transition without a guard", "UNGUARDED_SELF_LOOP"})
		}
		for counterName := range t.SetsCounters {
			if !declaredCounters[counterName] {
				errs = append(errs, ValidationError{path + ".setsCounters", "undeclared counter " + counterName, "UNDECLARED_COUNTER"})
			}
		}
		if t.Guard != "" {
			m := guardPattern.FindStringSubmatch(t.Guard)
			if m == nil {
				errs = append(errs, ValidationError{path + ".guard", "fails guard grammar", "INVALID_GUARD"})
			} else if !declaredCounters[m[1]] {
				errs = append(errs, ValidationError{path + ".guard", "references undeclared counter " + m[1], "UNDECLARED_COUNTER"})
			}
		}
	}

	return errs
}
