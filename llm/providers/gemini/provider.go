// Package gemini implements the chat adapter for the Gemini API.
//
// Gemini's controlled generation (responseSchema) and its search grounding
// tool are mutually exclusive: a request carrying both gets the schema
// silently dropped and falls back to prompt-level JSON guidance, leaving
// recovery to the JSON extraction layer. This is the documented degradation
// path, not an error.
package gemini

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

// Provider implements llm.Provider against generateContent.
type Provider struct {
	cfg    providers.GeminiConfig
	doer   *providers.Doer
	logger *zap.Logger
	audit  audit.Recorder
}

// New creates the adapter.
func New(cfg providers.GeminiConfig, logger *zap.Logger, rec audit.Recorder) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
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
		logger: logger.With(zap.String("provider", "gemini")),
		audit:  rec,
	}
}

func (p *Provider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type generationConfig struct {
	Temperature      float32 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	ResponseSchema   any     `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type groundingMetadata struct {
	WebSearchQueries []string `json:"webSearchQueries,omitempty"`
}

type geminiCandidate struct {
	Content           geminiContent      `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	GroundingMetadata *groundingMetadata `json:"groundingMetadata,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *usageMetadata    `json:"usageMetadata,omitempty"`
}

// Invoke performs a single generateContent call.
func (p *Provider) Invoke(ctx context.Context, req *llm.InvokeRequest) (*llm.InvokeResponse, error) {
	if err := providers.RequireUser(req, p.Name()); err != nil {
		return nil, err
	}
	if err := providers.RequireAPIKey(p.cfg.APIKey, p.Name()); err != nil {
		return nil, err
	}

	body := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: req.User}},
		}},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	genCfg := &generationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
	}
	if req.Grounding {
		body.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
		if req.Schema != nil {
			// Controlled generation cannot coexist with the search tool;
			// degrade to prompt-only guidance and let extraction recover.
			p.logger.Debug("dropping response schema: grounding attached",
				zap.String("task", req.Task))
		}
	} else if req.Mode == llm.ModeJSON {
		genCfg.ResponseMimeType = "application/json"
		if req.Schema != nil {
			genCfg.ResponseSchema = schema.ToProvider(req.Schema, schema.DialectOpenAPI)
		}
	}
	body.GenerationConfig = genCfg

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(p.cfg.BaseURL, "/"), req.Model)
	p.audit.RecordRoute(req.Task, req.Route, audit.DirectionRequest, body, endpoint)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)
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

	var genResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	p.audit.RecordRoute(req.Task, req.Route, audit.DirectionResponse, genResp, endpoint)

	if len(genResp.Candidates) == 0 {
		return nil, &llm.Error{
			Code: llm.ErrEmptyResponse, Message: "response contains no candidates",
			HTTPStatus: http.StatusBadGateway, Provider: p.Name(),
		}
	}

	cand := genResp.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		code := llm.ErrEmptyResponse
		if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
			code = llm.ErrContentFiltered
		}
		return nil, &llm.Error{
			Code:       code,
			Message:    fmt.Sprintf("candidate has no text parts (finishReason=%s)", cand.FinishReason),
			HTTPStatus: http.StatusBadGateway,
			Provider:   p.Name(),
		}
	}

	out := &llm.InvokeResponse{
		Text:         text.String(),
		FinishReason: cand.FinishReason,
	}
	if cand.GroundingMetadata != nil {
		out.Grounded = true
	}
	if genResp.UsageMetadata != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     genResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: genResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      genResp.UsageMetadata.TotalTokenCount,
		}
		if cand.GroundingMetadata != nil {
			out.Usage.SearchQueries = len(cand.GroundingMetadata.WebSearchQueries)
		}
	}
	return out, nil
}
