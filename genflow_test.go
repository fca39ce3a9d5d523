package genflow

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hirelens/genflow/config"
	"github.com/hirelens/genflow/llm"
	"github.com/hirelens/genflow/tasks"
	"github.com/hirelens/genflow/types"
)

// scriptedProvider returns canned texts in order, repeating the last one.
type scriptedProvider struct {
	mu    sync.Mutex
	texts []string
	calls int
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Invoke(_ context.Context, req *llm.InvokeRequest) (*llm.InvokeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.texts) {
		idx = len(s.texts) - 1
	}
	return &llm.InvokeResponse{Text: s.texts[idx], FinishReason: "stop"}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tasks["suggest"] = "scripted"
	cfg.DefaultModels["scripted"] = "scripted-model"
	return cfg
}

func newTestClient(t *testing.T, provider llm.Provider) *Client {
	t.Helper()
	client, err := New(testConfig(), tasks.Catalog(zap.NewNop()),
		WithAdapter("scripted", provider),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return client
}

// TestClient_SuggestRecoversEmbeddedJSON is the end-to-end shape: attempt 0
// answers with prose around valid JSON, extraction recovers it, and no
// retry is consumed.
func TestClient_SuggestRecoversEmbeddedJSON(t *testing.T) {
	provider := &scriptedProvider{texts: []string{
		"Sure, here are some options:\n" +
			`{"candidates": ["Join us and ship things", "Build what matters", "Your next chapter starts here"]}` +
			"\nLet me know if you want more!",
	}}
	client := newTestClient(t, provider)
	defer client.Close() //nolint:errcheck

	result, err := client.Run(context.Background(), "suggest",
		map[string]any{"role": "SRE", "tone": "warm"})
	require.NoError(t, err)

	candidates, ok := result.Value.([]string)
	require.True(t, ok)
	assert.Len(t, candidates, 3)
	assert.Equal(t, 0, result.Attempt, "repair-level recovery consumes no retry")
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, "scripted", result.Provider)
	assert.Equal(t, "scripted-model", result.Model)
}

func TestClient_SuggestRetriesThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{texts: []string{
		"I'm sorry, I can't format that.",
		`{"candidates": ["One strong line"]}`,
	}}
	client := newTestClient(t, provider)
	defer client.Close() //nolint:errcheck

	result, err := client.Run(context.Background(), "suggest",
		map[string]any{"role": "designer", "tone": "bold"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempt)
	assert.Equal(t, 2, provider.calls)
}

func TestClient_SuggestExhaustsBudget(t *testing.T) {
	provider := &scriptedProvider{texts: []string{"no json here at all"}}
	client := newTestClient(t, provider)
	defer client.Close() //nolint:errcheck

	result, err := client.Run(context.Background(), "suggest",
		map[string]any{"role": "chef", "tone": "formal"})
	require.Nil(t, result)

	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, types.ReasonStructuredMissing, taskErr.Reason)
	assert.Equal(t, 3, provider.calls, "retries=2 means three attempts")
	assert.Equal(t, 3, taskErr.Attempts)
	assert.NotEmpty(t, taskErr.RawPreview)
}

func TestNew_FailsFastOnUnresolvableTask(t *testing.T) {
	cfg := testConfig()
	cfg.Tasks["suggest"] = "no-such-provider-or-model"

	_, err := New(cfg, tasks.Catalog(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suggest")
}

func TestNew_FailsFastOnMissingAdapter(t *testing.T) {
	cfg := testConfig()
	// "scripted" resolves but no adapter is installed for it.
	_, err := New(cfg, tasks.Catalog(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no registered adapter")
}
