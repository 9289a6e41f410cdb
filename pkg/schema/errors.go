package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodePathDenied        = "PATH_DENIED"
	ErrCodeIsolation         = "ISOLATION_ERROR"
	ErrCodeApproval          = "APPROVAL_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// HookflowError is the structured error type shared by every package.
type HookflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *HookflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HookflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HookflowError.
func NewError(code, message string) *HookflowError {
	return &HookflowError{Code: code, Message: message}
}

// NewErrorf creates a new HookflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *HookflowError {
	return &HookflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *HookflowError) WithStep(stepID string) *HookflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *HookflowError) WithCause(err error) *HookflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HookflowError) WithDetails(details map[string]any) *HookflowError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is a HookflowError with the given code.
func HasCode(err error, code string) bool {
	var he *HookflowError
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND HookflowError.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
