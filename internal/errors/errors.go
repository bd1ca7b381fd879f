// Package errors provides structured error types for the orchestrator.
// Every error carries a machine-readable code and, where possible, a hint
// that tells the calling agent how to recover.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Session errors
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"
	CodeSessionNoClient     ErrorCode = "SESSION_NO_CLIENT"
	CodeSessionNotPaused    ErrorCode = "SESSION_NOT_PAUSED"

	// Adapter errors
	CodeAdapterNotSupported  ErrorCode = "ADAPTER_NOT_SUPPORTED"
	CodeAdapterSpawnFailed   ErrorCode = "ADAPTER_SPAWN_FAILED"
	CodeAdapterConnectFailed ErrorCode = "ADAPTER_CONNECT_FAILED"

	// DAP protocol errors
	CodeDAPInitFailed    ErrorCode = "DAP_INIT_FAILED"
	CodeDAPLaunchFailed  ErrorCode = "DAP_LAUNCH_FAILED"
	CodeDAPTimeout       ErrorCode = "DAP_TIMEOUT"
	CodeDAPProtocolError ErrorCode = "DAP_PROTOCOL_ERROR"

	// Orchestration outcomes
	CodeStopTimeout       ErrorCode = "STOP_TIMEOUT"
	CodeSessionTerminated ErrorCode = "SESSION_TERMINATED"
	CodeProtocolTransient ErrorCode = "PROTOCOL_TRANSIENT"
	CodeAdapterRace       ErrorCode = "ADAPTER_RACE"
	CodeCleanupFailed     ErrorCode = "CLEANUP_FAILED"
	CodeWaitCancelled     ErrorCode = "WAIT_CANCELLED"
	CodeTrackerExists     ErrorCode = "TRACKER_EXISTS"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeInvalidJSON      ErrorCode = "INVALID_JSON"

	// Permission errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Configuration errors
	CodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	CodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// Runtime errors
	CodeBreakpointInvalid ErrorCode = "BREAKPOINT_INVALID"
	CodeVariableNotFound  ErrorCode = "VARIABLE_NOT_FOUND"
	CodeNoThreads         ErrorCode = "NO_THREADS"
)

// DebugError is a structured error type that includes helpful information
// for the caller to understand what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value, a diagnostic snapshot)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// CodeOf returns the code of the first DebugError in err's chain, or the
// empty code.
func CodeOf(err error) ErrorCode {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// --- Session Errors ---

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use debug_list_sessions to see active sessions, or use debug_start_and_wait to create a new one.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Use debug_stop_session to terminate an existing session before creating a new one.",
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// SessionNoClient creates an error when a session has no protocol channel
func SessionNoClient(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNoClient,
		Message: fmt.Sprintf("session '%s' has no active debug client", sessionID),
		Hint:    "The session may have terminated. Use debug_list_sessions to check.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionNotPaused creates an error for inspection of a running session
func SessionNotPaused(sessionID string, state types.RunState) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotPaused,
		Message: fmt.Sprintf("session '%s' is %s, not paused", sessionID, state),
		Hint:    "Variables can only be read while the session is stopped. Use debug_resume_and_wait with a breakpoint first.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
			"runState":  state,
		},
	}
}

// --- Adapter Errors ---

// AdapterNotSupported creates an error for unsupported languages
func AdapterNotSupported(language string, supported []string) *DebugError {
	return &DebugError{
		Code:    CodeAdapterNotSupported,
		Message: fmt.Sprintf("no debug adapter for '%s'", language),
		Hint:    fmt.Sprintf("Supported languages are: %s. Check the \"type\" of the launch configuration.", strings.Join(supported, ", ")),
		Details: map[string]interface{}{
			"language":  language,
			"supported": supported,
		},
	}
}

// AdapterSpawnFailed creates an error when the adapter fails to start
func AdapterSpawnFailed(language string, err error) *DebugError {
	return &DebugError{
		Code:    CodeAdapterSpawnFailed,
		Message: fmt.Sprintf("failed to start %s debug adapter: %v", language, err),
		Hint:    "Ensure the debug adapter is installed. For Go: go install github.com/go-delve/delve/cmd/dlv@latest. For Python: pip install debugpy. For JavaScript: set adapters.node.jsDebugPath.",
		Cause:   err,
	}
}

// AdapterConnectFailed creates an error when connection to adapter fails
func AdapterConnectFailed(address string, err error) *DebugError {
	return &DebugError{
		Code:    CodeAdapterConnectFailed,
		Message: fmt.Sprintf("failed to connect to debug adapter at %s: %v", address, err),
		Hint:    "The debug adapter may have failed to start or crashed.",
		Details: map[string]interface{}{
			"address": address,
		},
		Cause: err,
	}
}

// --- DAP Protocol Errors ---

// DAPInitFailed creates an error when DAP initialization fails
func DAPInitFailed(err error) *DebugError {
	return &DebugError{
		Code:    CodeDAPInitFailed,
		Message: fmt.Sprintf("failed to initialize debug session: %v", err),
		Hint:    "The debug adapter may be incompatible or crashed during startup.",
		Cause:   err,
	}
}

// DAPLaunchFailed creates an error when launching fails
func DAPLaunchFailed(configName string, err error) *DebugError {
	return &DebugError{
		Code:    CodeDAPLaunchFailed,
		Message: fmt.Sprintf("failed to launch '%s': %v", configName, err),
		Hint:    "Check that the program in the launch configuration exists and builds.",
		Details: map[string]interface{}{
			"configuration": configName,
		},
		Cause: err,
	}
}

// DAPTimeout creates an error for a single protocol call that timed out
func DAPTimeout(operation string, timeoutSeconds int) *DebugError {
	return &DebugError{
		Code:    CodeDAPTimeout,
		Message: fmt.Sprintf("%s request timed out after %d seconds", operation, timeoutSeconds),
		Hint:    "The debug adapter did not answer. The debuggee may not be fully paused yet.",
		Details: map[string]interface{}{
			"operation":      operation,
			"timeoutSeconds": timeoutSeconds,
		},
	}
}

// DAPProtocolError creates an error for a failed protocol response
func DAPProtocolError(command string, err error) *DebugError {
	return &DebugError{
		Code:    CodeDAPProtocolError,
		Message: fmt.Sprintf("%s request failed: %v", command, err),
		Cause:   err,
	}
}

// --- Orchestration outcomes ---

// StopTimeout creates the Timeout outcome. The diagnostic snapshot describes
// every session the coordinator tried to halt.
func StopTimeout(operation string, timeoutSeconds float64, sessions []types.SessionDiagnostic) *DebugError {
	return &DebugError{
		Code:    CodeStopTimeout,
		Message: fmt.Sprintf("%s: no stop within %gs", operation, timeoutSeconds),
		Hint:    "The breakpoint was not reached in time. Check that the code path runs, raise timeoutSeconds, or use a snippet closer to the entry point.",
		Details: map[string]interface{}{
			"operation":      operation,
			"timeoutSeconds": timeoutSeconds,
			"sessions":       sessions,
		},
	}
}

// SessionTerminated creates the Termination outcome for a session that ended
// before any breakpoint was hit.
func SessionTerminated(sessionID string, exitCode *int) *DebugError {
	e := &DebugError{
		Code:    CodeSessionTerminated,
		Message: fmt.Sprintf("session '%s' terminated before a breakpoint was hit", sessionID),
		Hint:    "The program finished without reaching the breakpoint. Check its output and the breakpoint location.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
	if exitCode != nil {
		e.Details["exitCode"] = *exitCode
	}
	return e
}

// ProtocolTransient wraps a failed inspection attempt that will be retried.
func ProtocolTransient(operation string, attempt int, err error) *DebugError {
	return &DebugError{
		Code:    CodeProtocolTransient,
		Message: fmt.Sprintf("%s failed on attempt %d: %v", operation, attempt, err),
		Details: map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
		},
		Cause: err,
	}
}

// AdapterRace marks a stop that was published without frame information
// because the thread was not yet paused.
func AdapterRace(sessionID string, err error) *DebugError {
	return &DebugError{
		Code:    CodeAdapterRace,
		Message: fmt.Sprintf("session '%s' reported a stop before its thread was paused", sessionID),
		Hint:    "Only the session identity is known for this stop. Inspect again once the session is paused.",
		Cause:   err,
	}
}

// CleanupFailed wraps a best-effort cleanup that did not succeed.
func CleanupFailed(operation string, err error) *DebugError {
	return &DebugError{
		Code:    CodeCleanupFailed,
		Message: fmt.Sprintf("cleanup step '%s' failed: %v", operation, err),
		Cause:   err,
	}
}

// WaitCancelled is returned by a wait that was cancelled by its owner.
func WaitCancelled(operation string) *DebugError {
	return &DebugError{
		Code:    CodeWaitCancelled,
		Message: fmt.Sprintf("%s was cancelled", operation),
	}
}

// TrackerExists rejects a second tracker for one session.
func TrackerExists(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeTrackerExists,
		Message: fmt.Sprintf("a protocol tracker is already attached to session '%s'", sessionID),
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("missing required parameter '%s'", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// InvalidJSON creates an error for malformed JSON parameters
func InvalidJSON(paramName string, err error, example string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidJSON,
		Message: fmt.Sprintf("invalid JSON in parameter '%s': %v", paramName, err),
		Hint:    fmt.Sprintf("Provide valid JSON. Example: %s", example),
		Details: map[string]interface{}{
			"parameter": paramName,
		},
		Cause: err,
	}
}

// PermissionDenied creates an error for operations not allowed in the current mode
func PermissionDenied(operation, mode string) *DebugError {
	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("operation '%s' is not allowed in %s mode", operation, mode),
		Hint:    "Start the server with mode \"full\" to launch, resume or stop sessions.",
		Details: map[string]interface{}{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// --- Configuration Errors ---

// ConfigNotFound creates an error when a launch configuration is not found
func ConfigNotFound(configName string, availableConfigs []string) *DebugError {
	hint := "Check .vscode/launch.json in the workspace folder."
	if len(availableConfigs) > 0 {
		hint = fmt.Sprintf("Available configurations: %s", strings.Join(availableConfigs, ", "))
	}
	return &DebugError{
		Code:    CodeConfigNotFound,
		Message: fmt.Sprintf("launch configuration '%s' not found", configName),
		Hint:    hint,
		Details: map[string]interface{}{
			"configName":       configName,
			"availableConfigs": availableConfigs,
		},
	}
}

// ConfigInvalid creates an error for invalid configuration
func ConfigInvalid(configName, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("launch configuration '%s' is invalid: %s", configName, reason),
		Hint:    "Check the launch.json file for syntax errors and ensure all required fields are present.",
		Details: map[string]interface{}{
			"configName": configName,
			"reason":     reason,
		},
	}
}

// --- Runtime Errors ---

// BreakpointInvalid creates the ValidationFailure outcome for one definition
func BreakpointInvalid(path string, line int, reason string) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointInvalid,
		Message: fmt.Sprintf("breakpoint at %s:%d skipped: %s", path, line, reason),
		Hint:    "Check the file path and that the line or snippet exists in the file.",
		Details: map[string]interface{}{
			"path":   path,
			"line":   line,
			"reason": reason,
		},
	}
}

// NoValidBreakpoints is returned when every requested breakpoint was skipped.
func NoValidBreakpoints(count int) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointInvalid,
		Message: fmt.Sprintf("none of the %d requested breakpoints could be installed", count),
		Hint:    "See details.diagnostics for the reason each breakpoint was skipped.",
	}
}

// VariableNotFound creates an error when a name is absent from all scopes
func VariableNotFound(name string, scopes []string) *DebugError {
	return &DebugError{
		Code:    CodeVariableNotFound,
		Message: fmt.Sprintf("variable '%s' not found in any scope", name),
		Hint:    fmt.Sprintf("Searched scopes: %s. Use debug_get_variables to list names.", strings.Join(scopes, ", ")),
		Details: map[string]interface{}{
			"name":   name,
			"scopes": scopes,
		},
	}
}

// NoThreads creates an error when the adapter reports no threads
func NoThreads(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeNoThreads,
		Message: fmt.Sprintf("session '%s' reported no threads", sessionID),
		Hint:    "The program may have exited or not started yet.",
	}
}

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}
