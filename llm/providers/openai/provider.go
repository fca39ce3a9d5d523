// Package openai implements the chat adapter for OpenAI-style APIs.
//
// Structured output uses the strict json_schema response format, which
// requires every object in the schema to explicitly disallow unknown
// properties; the schema converter's closed dialect produces that shape.
package openai

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

// Provider implements llm.Provider against the chat completions API.
type Provider struct {
	cfg    providers.OpenAIConfig
	doer   *providers.Doer
	logger *zap.Logger
	audit  audit.Recorder
}

// New creates the adapter. A nil logger or recorder is replaced with a no-op.
func New(cfg providers.OpenAIConfig, logger *zap.Logger, rec audit.Recorder) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
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
		logger: logger.With(zap.String("provider", "openai")),
		audit:  rec,
	}
}

func (p *Provider) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string `json:"name"`
	Strict bool   `json:"strict"`
	Schema any    `json:"schema"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Temperature         float32         `json:"temperature,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		FinishReason string      `json:"finish_reason"`
		Message      chatMessage `json:"message"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

// Invoke performs a single chat completion. No internal retries; the runner
// owns the retry budget.
func (p *Provider) Invoke(ctx context.Context, req *llm.InvokeRequest) (*llm.InvokeResponse, error) {
	if err := providers.RequireUser(req, p.Name()); err != nil {
		return nil, err
	}
	if err := providers.RequireAPIKey(p.cfg.APIKey, p.Name()); err != nil {
		return nil, err
	}

	body := chatRequest{
		Model:               req.Model,
		Temperature:         req.Temperature,
		MaxCompletionTokens: req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.User})

	if req.Mode == llm.ModeJSON {
		if req.Schema != nil {
			body.ResponseFormat = &responseFormat{
				Type: "json_schema",
				JSONSchema: &jsonSchemaFormat{
					Name:   req.SchemaName,
					Strict: true,
					Schema: schema.ToProvider(req.Schema, schema.DialectClosed),
				},
			}
		} else {
			body.ResponseFormat = &responseFormat{Type: "json_object"}
		}
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	p.audit.RecordRoute(req.Task, req.Route, audit.DirectionRequest, body, endpoint)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

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

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	p.audit.RecordRoute(req.Task, req.Route, audit.DirectionResponse, chatResp, endpoint)

	if len(chatResp.Choices) == 0 {
		return nil, &llm.Error{
			Code: llm.ErrEmptyResponse, Message: "response contains no choices",
			HTTPStatus: http.StatusBadGateway, Provider: p.Name(),
		}
	}

	choice := chatResp.Choices[0]
	if choice.Message.Content == "" {
		code := llm.ErrEmptyResponse
		if choice.FinishReason == "content_filter" {
			code = llm.ErrContentFiltered
		}
		return nil, &llm.Error{
			Code:       code,
			Message:    fmt.Sprintf("empty completion (finish_reason=%s)", choice.FinishReason),
			HTTPStatus: http.StatusBadGateway,
			Provider:   p.Name(),
		}
	}

	out := &llm.InvokeResponse{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	if chatResp.Usage != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if p.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", p.cfg.Organization)
	}
	req.Header.Set("Content-Type", "application/json")
}
