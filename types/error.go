package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the platform.
type ErrorCode string

// Orchestration error codes
const (
	ErrWorkerTimeout       ErrorCode = "WORKER_TIMEOUT"
	ErrWorkerExecution     ErrorCode = "WORKER_EXECUTION"
	ErrQualityRejected     ErrorCode = "QUALITY_REJECTED"
	ErrKnowledgeStore      ErrorCode = "KNOWLEDGE_STORE_UNAVAILABLE"
	ErrSessionConflict     ErrorCode = "SESSION_CONFLICT"
	ErrSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	ErrOrchestrationFatal  ErrorCode = "ORCHESTRATION_FATAL"
	ErrWorkerNotRegistered ErrorCode = "WORKER_NOT_REGISTERED"
	ErrInvalidWorkflow     ErrorCode = "INVALID_WORKFLOW"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	WorkerID  string    `json:"worker_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
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

// WithWorker tags the error with the originating worker.
func (e *Error) WithWorker(workerID string) *Error {
	e.WorkerID = workerID
	return e
}

// WithSession tags the error with the session it occurred in.
func (e *Error) WithSession(sessionID string) *Error {
	e.SessionID = sessionID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, or "" when the error
// is not a *Error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given orchestration error code.
func HasCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
