package signing

import (
	"errors"
	"fmt"
)

// Kind classifies every failure that may cross the service boundary. Callers
// use it to distinguish "retry is reasonable" (ServiceUnavailable, timeouts,
// script faults) from "fix your request or configuration" (invalid request,
// unmatched rule, missing entry point, rejected update).
type Kind string

const (
	// KindInvalidRequest is a malformed or incomplete signing request.
	KindInvalidRequest Kind = "invalid_request"
	// KindNoRuleMatched means no dispatch rule covers the target URI.
	KindNoRuleMatched Kind = "no_rule_matched"
	// KindServiceUnavailable is transient capacity exhaustion on the pool.
	KindServiceUnavailable Kind = "service_unavailable"
	// KindScriptInvalid is a rejected algorithm update; the previous script
	// stays active.
	KindScriptInvalid Kind = "script_invalid"
	// KindSandboxBuild means a sandbox could not be built from the script.
	KindSandboxBuild Kind = "sandbox_build_error"
	// KindInvocationTimeout means the entry point exceeded its deadline.
	KindInvocationTimeout Kind = "invocation_timeout"
	// KindScriptRuntime is an uncaught exception inside the script.
	KindScriptRuntime Kind = "script_runtime_error"
	// KindEntryPointNotFound means the resolved entry point is not a
	// function in the active script.
	KindEntryPointNotFound Kind = "entry_point_not_found"
	// KindInternal covers faults that do not fit the taxonomy; these are
	// bugs, not expected operational states.
	KindInternal Kind = "internal"
)

// Error is the structured failure type for the signing domain.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// E builds a domain error.
func E(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Errorf builds a domain error with a formatted message and no cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or KindInternal when err is not a
// domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
