package types

import "fmt"

// Reason classifies why a generation task produced no usable result.
type Reason string

const (
	// ReasonStructuredMissing means no JSON value could be recovered from the
	// provider output, even after repair.
	ReasonStructuredMissing Reason = "structured_missing"

	// ReasonInvalidJSON means a JSON value was recovered but is not the shape
	// the task expects.
	ReasonInvalidJSON Reason = "invalid_json"

	// ReasonParseError means the task parser rejected the response content.
	ReasonParseError Reason = "parse_error"

	// ReasonMissingUpdates is a parser-defined variant for responses that
	// decode but carry none of the fields the task asked for.
	ReasonMissingUpdates Reason = "missing_updates"

	// ReasonException means an adapter or parser failed unexpectedly
	// (transport error, auth failure, or a parser defect).
	ReasonException Reason = "exception"

	// ReasonInvalidResponse means the provider response contained neither
	// text nor a pre-parsed JSON payload.
	ReasonInvalidResponse Reason = "invalid_response"

	// ReasonCancelled means the caller's context was cancelled mid-flight.
	ReasonCancelled Reason = "cancelled"
)

// RawPreviewLimit bounds the raw-output excerpt kept on failed results.
const RawPreviewLimit = 500

// TaskError is the typed failure half of a task result. A task invocation
// yields either a success payload or a TaskError, never both.
type TaskError struct {
	Reason     Reason `json:"reason"`
	Message    string `json:"message"`
	RawPreview string `json:"rawPreview,omitempty"`

	// Diagnostics filled in by the runner on final failure.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Attempts int    `json:"attempts,omitempty"`

	Cause error `json:"-"`
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Reason, e.Message)
}

// Unwrap returns the underlying cause.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// NewTaskError creates a TaskError with the given reason and message.
func NewTaskError(reason Reason, message string) *TaskError {
	return &TaskError{Reason: reason, Message: message}
}

// WithCause attaches an underlying error.
func (e *TaskError) WithCause(cause error) *TaskError {
	e.Cause = cause
	return e
}

// WithRawPreview stores a truncated excerpt of the raw provider output.
func (e *TaskError) WithRawPreview(raw string) *TaskError {
	e.RawPreview = TruncatePreview(raw)
	return e
}

// TruncatePreview bounds raw output to RawPreviewLimit runes.
func TruncatePreview(raw string) string {
	runes := []rune(raw)
	if len(runes) <= RawPreviewLimit {
		return raw
	}
	return string(runes[:RawPreviewLimit]) + "…"
}

// GetReason extracts the reason from an error, or "" for foreign errors.
func GetReason(err error) Reason {
	if e, ok := err.(*TaskError); ok {
		return e.Reason
	}
	return ""
}
