package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Orchestration error codes
const (
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrAlreadyExists     ErrorCode = "ALREADY_EXISTS"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrAgentUnavailable  ErrorCode = "AGENT_UNAVAILABLE"
	ErrAgentFailure      ErrorCode = "AGENT_FAILURE"
	ErrTaskExecution     ErrorCode = "TASK_EXECUTION"
	ErrQueue             ErrorCode = "QUEUE_ERROR"
	ErrRegistry          ErrorCode = "REGISTRY_ERROR"
	ErrPipelineNode      ErrorCode = "PIPELINE_NODE"
	ErrCache             ErrorCode = "CACHE_ERROR"
	ErrStore             ErrorCode = "STORE_ERROR"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrShutdown          ErrorCode = "SHUTDOWN"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithComponent tags the error with the component that produced it.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewValidationError creates a non-retryable validation error.
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...))
}

// NewNotFoundError creates an error for a missing task, agent or pipeline.
func NewNotFoundError(kind, id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s %q not found", kind, id))
}

// NewAgentUnavailableError creates the error returned when an agent is
// disabled or at its concurrency limit. Unavailability is not retryable at
// the coordinator layer; backing off is the caller's responsibility.
func NewAgentUnavailableError(agentID, reason string) *Error {
	return NewError(ErrAgentUnavailable, fmt.Sprintf("agent %q unavailable: %s", agentID, reason))
}

// NewTaskExecutionError creates a retryable task execution error.
func NewTaskExecutionError(taskID string, cause error) *Error {
	return NewError(ErrTaskExecution, fmt.Sprintf("task %q execution failed", taskID)).
		WithCause(cause).
		WithRetryable(true)
}

// AsError extracts a *Error from err's chain, or nil if there is none.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	if e := AsError(err); e != nil {
		return e.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e := AsError(err); e != nil {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e := AsError(err); e != nil {
		return e.Code
	}
	return ""
}
