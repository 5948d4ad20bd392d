package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeDocument          = "DOCUMENT_ERROR"
	ErrCodeBinding           = "BINDING_ERROR"
	ErrCodeUnresolvedRef     = "UNRESOLVED_REFERENCE"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeCriteriaFailed    = "CRITERIA_FAILED"
	ErrCodeUnknownExecution  = "UNKNOWN_EXECUTION"
	ErrCodeTerminalState     = "TERMINAL_STATE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// ArazzoError is the structured error type for all engine operations.
type ArazzoError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ArazzoError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ArazzoError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ArazzoError.
func NewError(code, message string) *ArazzoError {
	return &ArazzoError{Code: code, Message: message}
}

// NewErrorf creates a new ArazzoError with a formatted message.
func NewErrorf(code, format string, args ...any) *ArazzoError {
	return &ArazzoError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ArazzoError) WithStep(stepID string) *ArazzoError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ArazzoError) WithCause(err error) *ArazzoError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ArazzoError) WithDetails(details map[string]any) *ArazzoError {
	e.Details = details
	return e
}
