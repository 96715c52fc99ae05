package types

import "fmt"

// ErrorCode represents a unified error code across the agent.
type ErrorCode string

// Upstream (LLM provider) error codes
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Reasoning cycle error codes. These are recovered inside the engine and
// never escape as raw errors to the caller.
const (
	ErrPlanningParse   ErrorCode = "PLANNING_PARSE"
	ErrDecisionParse   ErrorCode = "DECISION_PARSE"
	ErrUnknownAction   ErrorCode = "UNKNOWN_ACTION"
	ErrToolValidation  ErrorCode = "TOOL_VALIDATION"
	ErrToolExecution   ErrorCode = "TOOL_EXECUTION"
	ErrToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	ErrIterationBudget ErrorCode = "ITERATION_BUDGET"
	ErrRunAborted      ErrorCode = "RUN_ABORTED"
)

// Persistence / boundary error codes
const (
	ErrPersistence      ErrorCode = "PERSISTENCE"
	ErrAdmissionDenied  ErrorCode = "ADMISSION_DENIED"
	ErrConversationBusy ErrorCode = "CONVERSATION_BUSY"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
