// Package errors provides the structured error taxonomy for the broker.
// Every error carries a machine-readable Kind plus a human-readable
// message; adapter messages pass through verbatim and broker errors never
// include stack traces.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// Kind is a category of error for programmatic handling.
type Kind string

const (
	KindInvalidArgument      Kind = "INVALID_ARGUMENT"
	KindFailedPrecondition   Kind = "FAILED_PRECONDITION"
	KindNotFound             Kind = "NOT_FOUND"
	KindCapacityExceeded     Kind = "CAPACITY_EXCEEDED"
	KindTimeout              Kind = "TIMEOUT"
	KindCancelled            Kind = "CANCELLED"
	KindDisconnected         Kind = "DISCONNECTED"
	KindAdapterError         Kind = "ADAPTER_ERROR"
	KindRuntimeUnavailable   Kind = "RUNTIME_UNAVAILABLE"
	KindContainerNotFound    Kind = "CONTAINER_NOT_FOUND"
	KindInjectionFailed      Kind = "INJECTION_FAILED"
	KindPortAllocationFailed Kind = "PORT_ALLOCATION_FAILED"
	KindMalformedFrame       Kind = "MALFORMED_FRAME"
	KindIO                   Kind = "IO_ERROR"
	KindCorrupted            Kind = "CORRUPTED"
)

// Error is the structured error type surfaced to callers. Hint is
// optional guidance for the agent driving the broker.
type Error struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Hint      string         `json:"hint,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Command   string         `json:"command,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// WithSession tags the error with the session it belongs to.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// WithDetail attaches one context value.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the Kind from err, or empty if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// New builds an error of the given kind with a plain message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind with an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// InvalidArgument reports a malformed or missing caller input.
func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, format, args...)
}

// FailedPrecondition reports an operation attempted in the wrong state.
func FailedPrecondition(current types.SessionState, required ...types.SessionState) *Error {
	names := make([]string, len(required))
	for i, s := range required {
		names[i] = string(s)
	}
	return &Error{
		Kind:    KindFailedPrecondition,
		Message: fmt.Sprintf("operation requires state %s, session is %s", strings.Join(names, " or "), current),
		Details: map[string]any{
			"current_state":   string(current),
			"required_states": names,
		},
	}
}

// SessionNotFound reports an unknown session id.
func SessionNotFound(id string) *Error {
	return &Error{
		Kind:      KindNotFound,
		Message:   fmt.Sprintf("session %q not found", id),
		Hint:      "Use debug_list_sessions to see active sessions, or debug_create_session to create one.",
		SessionID: id,
	}
}

// NotFound reports an unknown thread, frame, or other entity.
func NotFound(what string, id any) *Error {
	return New(KindNotFound, "%s %v not found", what, id)
}

// CapacityExceeded reports the session limit being reached.
func CapacityExceeded(max int) *Error {
	return &Error{
		Kind:    KindCapacityExceeded,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", max),
		Hint:    "Terminate an existing session before creating a new one.",
		Details: map[string]any{"max_sessions": max},
	}
}

// Timeout reports that no response arrived within the deadline.
func Timeout(command string, seconds float64) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s timed out after %.0fs", command, seconds),
		Hint:    "The adapter may be busy or the program waiting for input; try pause, or terminate the session.",
		Command: command,
	}
}

// Cancelled reports that the pending request was abandoned.
func Cancelled(command string) *Error {
	return &Error{Kind: KindCancelled, Message: fmt.Sprintf("%s was cancelled", command), Command: command}
}

// Disconnected reports that the adapter connection is gone.
func Disconnected(command string) *Error {
	return &Error{
		Kind:    KindDisconnected,
		Message: "debug adapter disconnected",
		Command: command,
	}
}

// Adapter wraps a backend error message verbatim.
func Adapter(command, message string) *Error {
	return &Error{Kind: KindAdapterError, Message: message, Command: command}
}

// RuntimeUnavailable reports a missing container runtime CLI.
func RuntimeUnavailable(runtime string) *Error {
	return &Error{
		Kind:    KindRuntimeUnavailable,
		Message: fmt.Sprintf("%s CLI not available", runtime),
		Hint:    fmt.Sprintf("Ensure %s is installed and on PATH.", runtime),
	}
}

// ContainerNotFound reports an unknown container or pod.
func ContainerNotFound(container string) *Error {
	return New(KindContainerNotFound, "container %q not found", container)
}

// InjectionFailed reports a failed debug-stub injection, keeping the
// runtime's stderr for diagnosis.
func InjectionFailed(stderr string) *Error {
	return &Error{
		Kind:    KindInjectionFailed,
		Message: "failed to inject debug stub",
		Details: map[string]any{"stderr": stderr},
	}
}

// PortAllocationFailed reports that no local forward port could be bound.
func PortAllocationFailed(cause error) *Error {
	return Wrap(KindPortAllocationFailed, cause, "failed to allocate local port")
}

// MalformedFrame reports a protocol framing violation.
func MalformedFrame(format string, args ...any) *Error {
	return New(KindMalformedFrame, format, args...)
}

// IO wraps a transport or filesystem failure.
func IO(cause error, format string, args ...any) *Error {
	return Wrap(KindIO, cause, format, args...)
}

// Corrupted reports an unreadable persistence file.
func Corrupted(path string, cause error) *Error {
	return Wrap(KindCorrupted, cause, "corrupt session file %s", path)
}

// FromError returns err as an *Error, wrapping unknown errors as IO.
func FromError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindIO, Message: err.Error(), Cause: err}
}
