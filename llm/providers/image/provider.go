// Package image implements the image-generation adapter. It satisfies the
// same Invoke contract as the chat adapters: the user prompt drives the
// generation and base64 payloads come back in the pre-parsed JSON field
// under "images", never in Text. Audit redaction replaces those payloads
// before anything reaches disk.
package image

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
)

// Provider implements llm.Provider against an images/generations API.
type Provider struct {
	cfg    providers.ImageConfig
	doer   *providers.Doer
	logger *zap.Logger
	audit  audit.Recorder
}

// New creates the adapter.
func New(cfg providers.ImageConfig, logger *zap.Logger, rec audit.Recorder) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Size == "" {
		cfg.Size = "1024x1024"
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
		logger: logger.With(zap.String("provider", "openai-image")),
		audit:  rec,
	}
}

func (p *Provider) Name() string { return "openai-image" }

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		B64JSON       string `json:"b64_json,omitempty"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

// Invoke generates images from the user prompt. The system prompt, when
// present, is folded into the generation prompt since image APIs take a
// single prompt string.
func (p *Provider) Invoke(ctx context.Context, req *llm.InvokeRequest) (*llm.InvokeResponse, error) {
	if err := providers.RequireUser(req, p.Name()); err != nil {
		return nil, err
	}
	if err := providers.RequireAPIKey(p.cfg.APIKey, p.Name()); err != nil {
		return nil, err
	}

	prompt := req.User
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	body := imageRequest{
		Model:          req.Model,
		Prompt:         prompt,
		N:              1,
		Size:           p.cfg.Size,
		ResponseFormat: "b64_json",
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/images/generations"
	p.audit.RecordRoute(req.Task, req.Route, audit.DirectionRequest, body, endpoint)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
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

	var imgResp imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imgResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	p.audit.RecordRoute(req.Task, req.Route, audit.DirectionResponse, imgResp, endpoint)

	images := make([]any, 0, len(imgResp.Data))
	revised := ""
	for _, d := range imgResp.Data {
		if d.B64JSON != "" {
			images = append(images, d.B64JSON)
		}
		if d.RevisedPrompt != "" {
			revised = d.RevisedPrompt
		}
	}
	if len(images) == 0 {
		return nil, &llm.Error{
			Code: llm.ErrEmptyResponse, Message: "response contains no image data",
			HTTPStatus: http.StatusBadGateway, Provider: p.Name(),
		}
	}

	out := &llm.InvokeResponse{
		JSON: map[string]any{"images": images},
	}
	if revised != "" {
		out.JSON["revised_prompt"] = revised
	}
	return out, nil
}
