// Package providers holds the pieces every adapter shares: HTTP error
// mapping, error-body reading, and the rate-limited HTTP client. Each
// provider family lives in its own subpackage and owns its wire protocol.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hirelens/genflow/llm"
)

// MapHTTPError maps an HTTP status to an llm.Error with the right
// retryability marker. Shared by all adapters.
func MapHTTPError(status int, msg string, provider string) *llm.Error {
	switch status {
	case http.StatusUnauthorized:
		return &llm.Error{
			Code:       llm.ErrUnauthorized,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusForbidden:
		return &llm.Error{
			Code:       llm.ErrForbidden,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusTooManyRequests:
		return &llm.Error{
			Code:       llm.ErrRateLimited,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	case http.StatusBadRequest:
		// Quota and credit failures arrive as 400s on some providers.
		msgLower := strings.ToLower(msg)
		if strings.Contains(msgLower, "quota") ||
			strings.Contains(msgLower, "credit") ||
			strings.Contains(msgLower, "billing") {
			return &llm.Error{
				Code:       llm.ErrQuotaExceeded,
				Message:    msg,
				HTTPStatus: status,
				Provider:   provider,
			}
		}
		return &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	case 529: // model overloaded (used by some providers)
		return &llm.Error{
			Code:       llm.ErrModelOverloaded,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	default:
		return &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Provider:   provider,
		}
	}
}

// ReadErrorMessage reads the error message out of a response body, trying
// the common {"error": {"message": ...}} envelope before falling back to
// the raw text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		if errResp.Error.Status != "" {
			return fmt.Sprintf("%s (status: %s)", errResp.Error.Message, errResp.Error.Status)
		}
		return errResp.Error.Message
	}

	return string(data)
}

// Doer wraps an http.Client with optional client-side pacing. Adapters share
// one Doer per provider; the limiter honors ctx cancellation, so a caller
// deadline aborts a queued request as well as an in-flight one.
type Doer struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewDoer builds a Doer. rps <= 0 disables pacing.
func NewDoer(timeout time.Duration, rps float64) *Doer {
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	d := &Doer{client: &http.Client{Timeout: timeout}}
	if rps > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return d
}

// Do waits for the limiter (if any) and executes the request.
func (d *Doer) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return d.client.Do(req.WithContext(ctx))
}

// RequireUser enforces the adapter-contract invariant that the user prompt
// is non-empty.
func RequireUser(req *llm.InvokeRequest, provider string) *llm.Error {
	if strings.TrimSpace(req.User) == "" {
		return &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "user prompt is empty",
			HTTPStatus: http.StatusBadRequest,
			Provider:   provider,
		}
	}
	return nil
}

// RequireAPIKey enforces the fail-fast rule for missing credentials.
func RequireAPIKey(key, provider string) *llm.Error {
	if strings.TrimSpace(key) == "" {
		return &llm.Error{
			Code:       llm.ErrUnauthorized,
			Message:    "api key not configured",
			HTTPStatus: http.StatusUnauthorized,
			Provider:   provider,
		}
	}
	return nil
}
