package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeContext         = "CONTEXT_ERROR"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeCapacity        = "CAPACITY_ERROR"
	ErrCodeTemplate        = "TEMPLATE_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeInstrumentation = "INSTRUMENTATION_ERROR"
)

// WeftError is the structured error type for all engine operations.
// Every error surfaced to callers carries the failing node's alias and
// position alongside a human-readable message.
type WeftError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Alias    string         `json:"alias,omitempty"`
	Position int            `json:"position,omitempty"`
	Cause    error          `json:"-"`
}

func (e *WeftError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.Alias, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WeftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WeftError.
func NewError(code, message string) *WeftError {
	return &WeftError{Code: code, Message: message}
}

// NewErrorf creates a new WeftError with a formatted message.
func NewErrorf(code, format string, args ...any) *WeftError {
	return &WeftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches the failing node's alias and position.
func (e *WeftError) WithNode(alias string, position int) *WeftError {
	e.Alias = alias
	e.Position = position
	return e
}

// WithCause attaches an underlying cause.
func (e *WeftError) WithCause(err error) *WeftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WeftError) WithDetails(details map[string]any) *WeftError {
	e.Details = details
	return e
}
