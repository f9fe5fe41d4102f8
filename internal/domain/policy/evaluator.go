package policy

import (
	"fmt"
	"regexp"
	"strconv"
)

// Evaluate is the pure, side-effect-free decision function. Given the same
// (spec, snapshot, request, nowMs) it always returns byte-identical output:
// the ordered check sequence below is the contract, not an implementation
// detail -- reordering it changes which errorCode surfaces first.
func Evaluate(spec PolicySpec, snapshot SessionSnapshot, request CallRequest, nowMs int64) Decision {
	rule, found := findRule(spec, request.ToolName)

	// 1. Unknown tool (terminal).
	if !found {
		if spec.DefaultDecision == DefaultDeny {
			return Decision{
				Allowed:           false,
				ErrorCode:         CodeUnknownToolDenied,
				Reasons:           []Reason{blocking(CodeUnknownToolDenied, "tool "+request.ToolName+" is not declared in the policy", "")},
				NewState:          snapshot.CurrentState,
				NewCounters:       copyIntMap(snapshot.Counters),
				NewToolCallCounts: copyIntMap(snapshot.ToolCallCounts),
			}
		}
		return Decision{
			Allowed:           true,
			Reasons:           []Reason{info(CodeAllowed, "tool "+request.ToolName+" is undeclared; defaultDecision=allow")},
			NewState:          snapshot.CurrentState,
			NewCounters:       copyIntMap(snapshot.Counters),
			NewToolCallCounts: copyIntMap(snapshot.ToolCallCounts),
		}
	}

	allowed := true
	var firstErrorCode ErrorCode
	var reasons []Reason

	fail := func(code ErrorCode, msg string) {
		reasons = append(reasons, blocking(code, msg, rule.ToolName))
		if allowed {
			allowed = false
			firstErrorCode = code
		}
	}

	// 2. Explicit deny (terminal).
	if rule.Effect == EffectDeny {
		fail(CodeToolExplicitlyDenied, "rule for "+rule.ToolName+" has effect=deny")
		return finalize(rule, snapshot, request, nowMs, false, firstErrorCode, reasons, snapshot.CurrentState, snapshot.Counters)
	}

	// 3. Side-effect gate (terminal).
	effectiveActionType := rule.ActionType
	if request.ActionType != "" {
		effectiveActionType = request.ActionType
	}
	if (effectiveActionType == ActionTypeWrite || effectiveActionType == ActionTypeSideEffect) && rule.Effect != EffectAllow {
		fail(CodeSideEffectNotAllowed, "actionType "+string(effectiveActionType)+" requires rule.effect=allow")
		return finalize(rule, snapshot, request, nowMs, false, firstErrorCode, reasons, snapshot.CurrentState, snapshot.Counters)
	}

	// 4. Required state (non-terminal).
	if rule.RequireState != "" && rule.RequireState != snapshot.CurrentState {
		fail(CodeRequiredStateNotMet, fmt.Sprintf("requires state %q, session is in %q", rule.RequireState, snapshot.CurrentState))
	}

	// 5. Required previous tools (non-terminal).
	for _, t := range rule.RequirePreviousToolCalls {
		if !containsString(snapshot.ToolCallsHistory, t) {
			fail(CodeRequiredToolsNotCalled, "requires prior call to "+t)
		}
	}

	// 6. Max calls per session.
	if rule.MaxCallsPerSession != nil && snapshot.ToolCallCounts[rule.ToolName] >= *rule.MaxCallsPerSession {
		fail(CodeMaxCallsExceeded, fmt.Sprintf("tool %s already called %d/%d times this session", rule.ToolName, snapshot.ToolCallCounts[rule.ToolName], *rule.MaxCallsPerSession))
	}

	// 7. Cooldown.
	if rule.CooldownMs != nil {
		if last, ok := snapshot.LastToolCallTimes[rule.ToolName]; ok {
			elapsed := nowMs - last
			if elapsed < *rule.CooldownMs {
				remaining := *rule.CooldownMs - elapsed
				fail(CodeCooldownActive, fmt.Sprintf("cooldown active, %d ms remaining", remaining))
			}
		}
	}

	// 8. Required fields.
	for _, path := range rule.RequireFields {
		if _, ok := resolvePath(request.Payload, path); !ok {
			fail(CodeRequiredFieldMissing, "missing required field "+path)
		}
	}

	// 9. Forbidden fields.
	for _, path := range rule.DenyIfFieldsPresent {
		if _, ok := resolvePath(request.Payload, path); ok {
			fail(CodeForbiddenFieldPresent, "forbidden field present: "+path)
		}
	}

	// 10. Deny-if-regex.
	for _, rc := range rule.DenyIfRegexMatch {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			continue // uncompilable patterns are silently skipped, validation should have caught this
		}
		v, ok := resolvePath(request.Payload, rc.JSONPath)
		if !ok {
			continue
		}
		s, isStr := v.(string)
		if isStr && re.MatchString(s) {
			fail(CodeRegexMatchDenied, rc.JSONPath+" matches forbidden pattern")
		}
	}

	// 11. Allow-only-if-regex.
	for _, rc := range rule.AllowOnlyIfRegexMatch {
		re, err := regexp.Compile(rc.Pattern)
		matched := false
		if err == nil {
			if v, ok := resolvePath(request.Payload, rc.JSONPath); ok {
				if s, isStr := v.(string); isStr {
					matched = re.MatchString(s)
				}
			}
		}
		if !matched {
			fail(CodeRegexMatchRequired, rc.JSONPath+" does not match required pattern")
		}
	}

	newState := snapshot.CurrentState
	workingCounters := copyIntMap(snapshot.Counters)

	// 12. State-machine transition.
	if allowed && spec.StateMachine != nil {
		if t, ok := findTransition(*spec.StateMachine, snapshot.CurrentState, rule.ToolName); ok {
			for _, prior := range t.RequiresToolsCalledBefore {
				if !containsString(snapshot.ToolCallsHistory, prior) {
					fail(CodeRequiredToolsNotCalled, "transition requires prior call to "+prior)
				}
			}
			if allowed {
				if t.Guard != "" && !evaluateGuard(t.Guard, workingCounters) {
					fail(CodeGuardConditionFailed, "guard failed: "+t.Guard)
				}
			}
			if allowed {
				newState = t.ToState
				for counterName, delta := range t.SetsCounters {
					workingCounters[counterName] += delta
				}
				reasons = append(reasons, info(CodeStateTransition, fmt.Sprintf("transitioned %s -> %s on %s", t.FromState, t.ToState, rule.ToolName)))
			}
		}
	}

	// 13. Counter ceiling.
	if allowed {
		for _, cd := range spec.Counters {
			if cd.MaxValue == nil {
				continue
			}
			if workingCounters[cd.Name] > *cd.MaxValue {
				fail(CodeCounterLimitExceeded, fmt.Sprintf("counter %s exceeds max %d", cd.Name, *cd.MaxValue))
			}
		}
	}

	// A denied call leaves state and counters as they were, even when the
	// transition in step 12 had already been applied to the working copies.
	if !allowed {
		newState = snapshot.CurrentState
		workingCounters = copyIntMap(snapshot.Counters)
	}

	return finalize(rule, snapshot, request, nowMs, allowed, firstErrorCode, reasons, newState, workingCounters)
}

func finalize(
	rule ToolRule,
	snapshot SessionSnapshot,
	request CallRequest,
	nowMs int64,
	allowed bool,
	errorCode ErrorCode,
	reasons []Reason,
	newState string,
	counters map[string]int,
) Decision {
	newCounts := copyIntMap(snapshot.ToolCallCounts)
	if allowed {
		newCounts[request.ToolName]++
		if len(reasons) == 0 {
			reasons = append(reasons, info(CodeAllowed, "allowed"))
		}
	}

	return Decision{
		Allowed:           allowed,
		ErrorCode:         errorCode,
		Reasons:           reasons,
		NewState:          newState,
		NewCounters:       counters,
		NewToolCallCounts: newCounts,
	}
}

func findRule(spec PolicySpec, toolName string) (ToolRule, bool) {
	for _, r := range spec.ToolRules {
		if r.ToolName == toolName {
			return r, true
		}
	}
	return ToolRule{}, false
}

func findTransition(sm StateMachine, fromState, tool string) (Transition, bool) {
	for _, t := range sm.Transitions {
		if t.FromState == fromState && t.TriggeredByTool == tool {
			return t, true
		}
	}
	return Transition{}, false
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// evaluateGuard parses and evaluates the single-comparison guard grammar
// against the working counters. A missing counter is treated as value 0;
// any syntactic failure evaluates to false (validation should have already
// rejected a policy with a malformed guard).
func evaluateGuard(guard string, counters map[string]int) bool {
	m := guardPattern.FindStringSubmatch(guard)
	if m == nil {
		return false
	}
	name, op, rawOperand := m[1], m[2], m[3]
	operand, err := strconv.Atoi(rawOperand)
	if err != nil {
		return false
	}
	value := counters[name]

	switch op {
	case "<":
		return value < operand
	case "<=":
		return value <= operand
	case ">":
		return value > operand
	case ">=":
		return value >= operand
	case "==":
		return value == operand
	case "!=":
		return value != operand
	default:
		return false
	}
}
