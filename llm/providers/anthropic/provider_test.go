package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelens/genflow/llm"
	"github.com/hirelens/genflow/llm/providers"
	"github.com/hirelens/genflow/types"
)

func newTestProvider(serverURL string) *Provider {
	return New(providers.AnthropicConfig{
		BaseConfig: providers.BaseConfig{APIKey: "test-key", BaseURL: serverURL},
	}, nil, nil)
}

func updatesSchema() *types.JSONSchema {
	return types.NewObjectSchema().
		AddProperty("updates", types.NewMapSchema(types.NewStringSchema())).
		AddRequired("updates")
}

func messagesBody(text, stopReason string) string {
	resp := map[string]any{
		"id":          "msg_1",
		"role":        "assistant",
		"model":       "claude-3-5-sonnet-20241022",
		"stop_reason": stopReason,
		"content":     []any{map[string]any{"type": "text", "text": text}},
		"usage":       map[string]any{"input_tokens": 30, "output_tokens": 11},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestInvoke_PrefillForOlderModels(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		// The model continues from the seeded brace without repeating it.
		w.Write([]byte(messagesBody(`"updates": {"headline": "new"}}`, "end_turn"))) //nolint:errcheck
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Invoke(context.Background(), &llm.InvokeRequest{
		Model:  "claude-3-5-sonnet-20241022",
		User:   "user text",
		Mode:   llm.ModeJSON,
		Schema: updatesSchema(),
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	last := msgs[1].(map[string]any)
	assert.Equal(t, "assistant", last["role"])
	assert.Equal(t, "{", last["content"])
	assert.NotContains(t, captured, "output_format",
		"prefill and native structured output never combine")

	assert.Equal(t, `{"updates": {"headline": "new"}}`, resp.Text,
		"the seeded brace is restored on the way out")
}

func TestInvoke_NativeStructuredOutputForNewModels(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(messagesBody(`{"updates": {}}`, "end_turn"))) //nolint:errcheck
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Invoke(context.Background(), &llm.InvokeRequest{
		Model:  "claude-sonnet-4-20250514",
		User:   "user text",
		Mode:   llm.ModeJSON,
		Schema: updatesSchema(),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"updates": {}}`, resp.Text)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1, "no prefill turn for models with native structured output")

	of := captured["output_format"].(map[string]any)
	assert.Equal(t, "json_schema", of["type"])
	assert.Contains(t, of, "schema")
}

func TestInvoke_PrefillNotDoubledWhenModelRepeatsBrace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(messagesBody(`{"updates": {}}`, "end_turn"))) //nolint:errcheck
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Invoke(context.Background(), &llm.InvokeRequest{
		Model: "claude-3-5-haiku-20241022",
		User:  "user text",
		Mode:  llm.ModeJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"updates": {}}`, resp.Text)
}

func TestInvoke_DefaultMaxTokensApplied(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(messagesBody("fine", "end_turn"))) //nolint:errcheck
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.Invoke(context.Background(), &llm.InvokeRequest{
		Model: "claude-3-5-sonnet-20241022", User: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(4096), captured["max_tokens"])
}

func TestInvoke_RefusalIsContentFiltered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(messagesBody("", "refusal"))) //nolint:errcheck
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.Invoke(context.Background(), &llm.InvokeRequest{
		Model: "claude-3-5-sonnet-20241022", User: "hi",
	})
	var provErr *llm.Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrContentFiltered, provErr.Code)
}

func TestInvoke_OverloadedStatusMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`)) //nolint:errcheck
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.Invoke(context.Background(), &llm.InvokeRequest{
		Model: "claude-3-5-sonnet-20241022", User: "hi",
	})
	var provErr *llm.Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrModelOverloaded, provErr.Code)
	assert.True(t, provErr.Retryable)
}

func TestInvoke_UsageTotalsSummed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(messagesBody("fine", "end_turn"))) //nolint:errcheck
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	resp, err := p.Invoke(context.Background(), &llm.InvokeRequest{
		Model: "claude-3-5-sonnet-20241022", User: "hi",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 30, resp.Usage.PromptTokens)
	assert.Equal(t, 11, resp.Usage.CompletionTokens)
	assert.Equal(t, 41, resp.Usage.TotalTokens)
}

func TestSupportsStructuredOutput(t *testing.T) {
	assert.True(t, supportsStructuredOutput("claude-sonnet-4-20250514"))
	assert.True(t, supportsStructuredOutput("claude-opus-4-20250514"))
	assert.False(t, supportsStructuredOutput("claude-3-5-sonnet-20241022"))
	assert.False(t, supportsStructuredOutput("claude-3-opus-20240229"))
}
