// Package anthropic implements the chat adapter for the Anthropic messages
// API.
//
// Model generations without native structured output fall back to a prefill:
// the assistant turn is seeded with an opening brace, biasing the model
// toward well-formed JSON, and the brace is re-attached to the returned
// text. Prefill and the native output_format mode are mutually exclusive
// and are never combined.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hirelens/genflow/llm"
	"github.com/hirelens/genflow/llm/audit"
	"github.com/hirelens/genflow/llm/providers"
	"github.com/hirelens/genflow/llm/schema"
)

const defaultVersion = "2023-06-01"

// structuredOutputPrefixes lists model-id prefixes with native structured
// output. Older generations use the prefill fallback.
var structuredOutputPrefixes = []string{
	"claude-sonnet-4",
	"claude-opus-4",
}

// Provider implements llm.Provider against /v1/messages.
type Provider struct {
	cfg    providers.AnthropicConfig
	doer   *providers.Doer
	logger *zap.Logger
	audit  audit.Recorder
}

// New creates the adapter.
func New(cfg providers.AnthropicConfig, logger *zap.Logger, rec audit.Recorder) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = audit.Nop()
	}
	return &Provider{
		cfg:    cfg,
		doer:   providers.NewDoer(cfg.Timeout, cfg.RPS),
		logger: logger.With(zap.String("provider", "anthropic")),
		audit:  rec,
	}
}

func (p *Provider) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type outputFormat struct {
	Type   string `json:"type"`
	Schema any    `json:"schema,omitempty"`
}

type messagesRequest struct {
	Model        string        `json:"model"`
	Messages     []message     `json:"messages"`
	System       string        `json:"system,omitempty"`
	MaxTokens    int           `json:"max_tokens"`
	Temperature  float32       `json:"temperature,omitempty"`
	OutputFormat *outputFormat `json:"output_format,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      *messagesUsage `json:"usage,omitempty"`
}

// supportsStructuredOutput reports whether the model generation accepts the
// native output_format field.
func supportsStructuredOutput(model string) bool {
	for _, prefix := range structuredOutputPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Invoke performs a single messages call.
func (p *Provider) Invoke(ctx context.Context, req *llm.InvokeRequest) (*llm.InvokeResponse, error) {
	if err := providers.RequireUser(req, p.Name()); err != nil {
		return nil, err
	}
	if err := providers.RequireAPIKey(p.cfg.APIKey, p.Name()); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096 // the API requires an explicit budget
	}
	body := messagesRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages:    []message{{Role: "user", Content: req.User}},
	}

	prefilled := false
	if req.Mode == llm.ModeJSON {
		if req.Schema != nil && supportsStructuredOutput(req.Model) {
			body.OutputFormat = &outputFormat{
				Type:   "json_schema",
				Schema: schema.ToProvider(req.Schema, schema.DialectPlain),
			}
		} else {
			// Prefill fallback; incompatible with output_format.
			body.Messages = append(body.Messages, message{Role: "assistant", Content: "{"})
			prefilled = true
		}
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	p.audit.RecordRoute(req.Task, req.Route, audit.DirectionRequest, body, endpoint)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", p.cfg.Version)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.doer.Do(ctx, httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	p.audit.RecordRoute(req.Task, req.Route, audit.DirectionResponse, msgResp, endpoint)

	var text strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		code := llm.ErrEmptyResponse
		if msgResp.StopReason == "refusal" {
			code = llm.ErrContentFiltered
		}
		return nil, &llm.Error{
			Code:       code,
			Message:    fmt.Sprintf("message has no text blocks (stop_reason=%s)", msgResp.StopReason),
			HTTPStatus: http.StatusBadGateway,
			Provider:   p.Name(),
		}
	}

	raw := text.String()
	if prefilled && !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		// The model continues from the seeded brace; restore it.
		raw = "{" + raw
	}

	out := &llm.InvokeResponse{
		Text:         raw,
		FinishReason: msgResp.StopReason,
	}
	if msgResp.Usage != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     msgResp.Usage.InputTokens,
			CompletionTokens: msgResp.Usage.OutputTokens,
			TotalTokens:      msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
		}
	}
	return out, nil
}
