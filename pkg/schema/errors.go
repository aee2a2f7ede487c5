package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodePolicyBlocked      = "POLICY_BLOCKED"
	ErrCodeConfirmationDenied = "CONFIRMATION_DENIED"
	ErrCodeRevisionRequested  = "REVISION_REQUESTED"
	ErrCodeUndefinedReference = "UNDEFINED_REFERENCE"
	ErrCodeType               = "TYPE_ERROR"
	ErrCodeExecutionFailed    = "EXECUTION_FAILED"
	ErrCodeTimedOut           = "TIMED_OUT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeResourceLeak       = "RESOURCE_LEAK"
	ErrCodeIntegration        = "INTEGRATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
)

// Error is the structured error type shared by every engine component.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsFatal reports whether err must halt a run regardless of error handling.
// Policy outcomes and cancellation are decided before or outside any step
// side effect and are never retried.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrCodePolicyBlocked, ErrCodeConfirmationDenied, ErrCodeRevisionRequested, ErrCodeCancelled:
		return true
	}
	return false
}

// IsRetryable reports whether a failed attempt may be tried again. Fatal
// errors and errors that a second attempt cannot change are not retryable.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeType, ErrCodeCycleDetected, ErrCodeInvalidTransition, ErrCodeConflict:
		return false
	}
	return true
}
