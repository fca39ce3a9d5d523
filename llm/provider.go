package llm

import (
	"context"

	"github.com/hirelens/genflow/types"
)

// Unified provider error codes, aligned with HTTP status and retryability.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"      // malformed parameters
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"         // missing or invalid key
	ErrForbidden           ErrorCode = "LLM_FORBIDDEN"            // permission or policy refusal
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"         // upstream or local throttling
	ErrQuotaExceeded       ErrorCode = "LLM_QUOTA_EXCEEDED"       // credits exhausted
	ErrContentFiltered     ErrorCode = "LLM_CONTENT_FILTERED"     // safety stop
	ErrEmptyResponse       ErrorCode = "LLM_EMPTY_RESPONSE"       // no extractable content
	ErrModelOverloaded     ErrorCode = "LLM_MODEL_OVERLOADED"     // upstream overload
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"       // upstream 5xx / network
	ErrProviderUnavailable ErrorCode = "LLM_PROVIDER_UNAVAILABLE" // no usable provider
)

// Error is the transport-level failure an adapter raises. The runner converts
// it into a typed task error; it never crosses the Run boundary.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Mode selects how the provider output is meant to be consumed.
type Mode string

const (
	ModeText Mode = "text"
	ModeJSON Mode = "json"
)

// InvokeRequest is the normalized input every adapter accepts. Adapters own
// all translation from this shape into their wire protocol.
type InvokeRequest struct {
	Model       string
	System      string // optional system text
	User        string // must be non-empty; adapters fail fast otherwise
	Mode        Mode
	Temperature float32
	MaxTokens   int

	// Task identifies the calling task for audit records and logs.
	Task string
	// Route labels the resolved provider:model pair for audit records.
	Route string

	// Schema, when set, asks the adapter for native structured output.
	// Adapters that cannot honor it (grounding attached, model without
	// structured output) degrade to prompt-level guidance instead of failing.
	Schema     *types.JSONSchema
	SchemaName string

	// Grounding requests the provider's retrieval/search tool when one
	// exists. Resolved once per task, not re-derived per call.
	Grounding bool
}

// Usage is the normalized token accounting a provider reports. A nil Usage
// on the response means the provider reported nothing; counts are never
// fabricated as zeros.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
	SearchQueries    int `json:"search_queries,omitempty"`
}

// InvokeResponse is the normalized adapter output. Text holds the raw model
// text; JSON is populated only when the provider natively separates a
// structured payload from text (image adapters return their base64 payloads
// there under "images"). Created fresh per call, never shared.
type InvokeResponse struct {
	Text         string
	JSON         map[string]any
	FinishReason string
	Usage        *Usage
	Grounded     bool // a grounding/search tool actually ran
}

// Provider is the uniform adapter contract. Implementations are single-shot:
// no internal retries, no fabricated content. They raise *Error on transport
// or auth failure and on responses with no extractable content, and must
// honor ctx cancellation on the underlying network call.
type Provider interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)

	// Name returns the provider's unique identifier.
	Name() string
}
