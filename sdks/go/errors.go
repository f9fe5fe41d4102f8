package toolgate

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDecisionDenied is returned when a runtime check results in a deny
	// decision.
	ErrDecisionDenied = errors.New("decision denied")

	// ErrServerUnreachable is returned when the toolgate server cannot be
	// contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// ToolgateError is the base error type for SDK errors backed by an HTTP
// status the server returned but that the client has no more specific type
// for.
type ToolgateError struct {
	// Code is a machine-readable error code (an ErrorCode* constant, or
	// "HTTP_<status>" when the body carried none).
	Code string
	// Err is the underlying error.
	Err error
}

// Error returns the error message.
func (e *ToolgateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("toolgate [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("toolgate [%s]", e.Code)
}

// Unwrap returns the underlying error.
func (e *ToolgateError) Unwrap() error {
	return e.Err
}

// DecisionDeniedError is returned when a runtime check results in a deny
// decision. It carries the full response so callers can inspect why.
type DecisionDeniedError struct {
	// ErrorCode is the server's stable error code for the denial, e.g.
	// TOOL_EXPLICITLY_DENIED.
	ErrorCode string
	// DecisionReasons explains what rule(s) drove the denial.
	DecisionReasons []DecisionReason
	// Response is the full decision response.
	Response *CheckResponse
}

// Error returns a human-readable description of the denial.
func (e *DecisionDeniedError) Error() string {
	if len(e.DecisionReasons) > 0 {
		return fmt.Sprintf("decision denied [%s]: %s", e.ErrorCode, e.DecisionReasons[0].Message)
	}
	return fmt.Sprintf("decision denied [%s]", e.ErrorCode)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrDecisionDenied).
func (e *DecisionDeniedError) Is(target error) bool {
	return target == ErrDecisionDenied
}

// ServerUnreachableError is returned when the toolgate server cannot be
// contacted.
type ServerUnreachableError struct {
	// Cause is the underlying error that caused the server to be
	// unreachable.
	Cause error
}

// Error returns a human-readable description of the server unreachable error.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
