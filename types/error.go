package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the supervision core.
type ErrorCode string

// Factory-time error codes. A rejected spawn leaves no partial state behind.
const (
	ErrDepthExceeded  ErrorCode = "DEPTH_EXCEEDED"
	ErrFanoutExceeded ErrorCode = "FANOUT_EXCEEDED"
	ErrQuotaExhausted ErrorCode = "QUOTA_EXHAUSTED"
)

// Runtime error codes
const (
	ErrChannelClosed       ErrorCode = "CHANNEL_CLOSED"
	ErrPlanningFailed      ErrorCode = "PLANNING_FAILED"
	ErrToolExecutionFailed ErrorCode = "TOOL_EXECUTION_FAILED"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrCancelled           ErrorCode = "CANCELLED"
	ErrMergeInconsistent   ErrorCode = "MERGE_INCONSISTENT"
)

// Lookup / protocol error codes
const (
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInvalidOp         ErrorCode = "INVALID_OP"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code" yaml:"code"`
	Message   string    `json:"message" yaml:"message"`
	AgentID   AgentID   `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Retryable bool      `json:"retryable" yaml:"retryable"`
	Cause     error     `json:"-" yaml:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.AgentID != "" {
		prefix = fmt.Sprintf("[%s agent=%s]", e.Code, e.AgentID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithAgent records the agent the error is about.
func (e *Error) WithAgent(id AgentID) *Error {
	e.AgentID = id
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Clone returns a shallow copy so callers can annotate without aliasing.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// defaultRetryable reports the factory-time rejections; a caller may retry
// the spawn once capacity frees up.
func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrDepthExceeded, ErrFanoutExceeded, ErrQuotaExhausted:
		return true
	default:
		return false
	}
}

// AsError extracts an *Error from err. Plain errors are wrapped with the
// fallback code so callers always get structured data.
func AsError(err error, fallback ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(fallback, err.Error()).WithCause(err)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
