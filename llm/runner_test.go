package llm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelens/genflow/types"
)

// fakeProvider scripts one response (or error) per attempt; the last entry
// repeats once the script runs out.
type fakeProvider struct {
	name string

	mu       sync.Mutex
	script   []fakeStep
	requests []*InvokeRequest
}

type fakeStep struct {
	resp *InvokeResponse
	err  error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	step := f.script[idx]
	return step.resp, step.err
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestRunner(t *testing.T, task *Task, provider *fakeProvider) *Runner {
	t.Helper()
	registry, err := NewTaskRegistry(task)
	require.NoError(t, err)
	policy := NewPolicy(PolicyConfig{
		TaskSpecs:     map[string]string{task.Name: provider.name + ":test-model"},
		DefaultModels: map[string]string{provider.name: "test-model"},
	}, nil)
	return NewRunner(registry, policy, map[string]Provider{provider.name: provider}, nil, nil)
}

func textResponse(text string) *InvokeResponse {
	return &InvokeResponse{Text: text, FinishReason: "stop"}
}

func failingTask(name string, retries int, strictOnRetry bool, record *[]Attempt) *Task {
	return &Task{
		Name: name,
		User: func(_ any, attempt Attempt) string {
			if record != nil {
				*record = append(*record, attempt)
			}
			return "prompt"
		},
		Parse: func(_ any, _ *InvokeResponse) (any, *types.TaskError) {
			return nil, types.NewTaskError(types.ReasonParseError, "always fails")
		},
		Mode:          ModeText,
		Retries:       retries,
		StrictOnRetry: strictOnRetry,
	}
}

func TestRunner_RetryBudgetRespected(t *testing.T) {
	provider := &fakeProvider{
		name:   "fake",
		script: []fakeStep{{resp: textResponse("nope")}},
	}
	task := failingTask("doomed", 3, false, nil)
	runner := newTestRunner(t, task, provider)

	result, err := runner.Run(context.Background(), "doomed", nil)

	require.Nil(t, result)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, types.ReasonParseError, taskErr.Reason)
	assert.Equal(t, 4, provider.calls(), "retries=3 means exactly 4 invocations")
	assert.Equal(t, 4, taskErr.Attempts)
	assert.Equal(t, "fake", taskErr.Provider)
	assert.Equal(t, "test-model", taskErr.Model)
}

func TestRunner_StrictnessEscalation(t *testing.T) {
	tests := []struct {
		name          string
		strictOnRetry bool
		want          []Attempt
	}{
		{
			name:          "strictOnRetry off keeps strict false on every attempt",
			strictOnRetry: false,
			want: []Attempt{
				{Number: 0, Strict: false},
				{Number: 1, Strict: false},
				{Number: 2, Strict: false},
			},
		},
		{
			name:          "strictOnRetry on turns strict on after the first attempt",
			strictOnRetry: true,
			want: []Attempt{
				{Number: 0, Strict: false},
				{Number: 1, Strict: true},
				{Number: 2, Strict: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{
				name:   "fake",
				script: []fakeStep{{resp: textResponse("nope")}},
			}
			var attempts []Attempt
			task := failingTask("escalate", 2, tt.strictOnRetry, &attempts)
			runner := newTestRunner(t, task, provider)

			_, err := runner.Run(context.Background(), "escalate", nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, attempts)
		})
	}
}

func TestRunner_SuccessOnFirstAttempt(t *testing.T) {
	provider := &fakeProvider{
		name: "fake",
		script: []fakeStep{{resp: &InvokeResponse{
			Text:  `{"ok": true}`,
			Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}}},
	}
	task := &Task{
		Name: "easy",
		User: func(_ any, _ Attempt) string { return "prompt" },
		Parse: func(_ any, resp *InvokeResponse) (any, *types.TaskError) {
			return resp.Text, nil
		},
		Mode: ModeJSON,
	}
	runner := newTestRunner(t, task, provider)

	result, err := runner.Run(context.Background(), "easy", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, result.Value)
	assert.Equal(t, 0, result.Attempt)
	assert.Equal(t, "fake", result.Provider)
	assert.Equal(t, "test-model", result.Model)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.Equal(t, 1, provider.calls())
}

func TestRunner_RecoversAfterFailedAttempt(t *testing.T) {
	provider := &fakeProvider{
		name: "fake",
		script: []fakeStep{
			{err: &Error{Code: ErrUpstreamError, Message: "connection reset", Retryable: true}},
			{resp: textResponse("fine now")},
		},
	}
	task := &Task{
		Name: "flaky",
		User: func(_ any, _ Attempt) string { return "prompt" },
		Parse: func(_ any, resp *InvokeResponse) (any, *types.TaskError) {
			return resp.Text, nil
		},
		Mode:    ModeText,
		Retries: 2,
	}
	runner := newTestRunner(t, task, provider)

	result, err := runner.Run(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, "fine now", result.Value)
	assert.Equal(t, 1, result.Attempt, "transport failure consumed one attempt from the shared budget")
}

func TestRunner_AdapterErrorBecomesTypedException(t *testing.T) {
	provider := &fakeProvider{
		name:   "fake",
		script: []fakeStep{{err: &Error{Code: ErrUnauthorized, Message: "api key not configured"}}},
	}
	task := failingTask("locked-out", 0, false, nil)
	runner := newTestRunner(t, task, provider)

	_, err := runner.Run(context.Background(), "locked-out", nil)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, types.ReasonException, taskErr.Reason)
	assert.Contains(t, taskErr.Message, "api key not configured")

	var provErr *Error
	require.ErrorAs(t, taskErr, &provErr, "the transport error stays reachable as the cause")
	assert.Equal(t, ErrUnauthorized, provErr.Code)
}

func TestRunner_ParserPanicIsCaught(t *testing.T) {
	provider := &fakeProvider{
		name:   "fake",
		script: []fakeStep{{resp: textResponse("boom fodder")}},
	}
	task := &Task{
		Name: "defective",
		User: func(_ any, _ Attempt) string { return "prompt" },
		Parse: func(_ any, _ *InvokeResponse) (any, *types.TaskError) {
			panic("parser defect")
		},
		Mode: ModeText,
	}
	runner := newTestRunner(t, task, provider)

	result, err := runner.Run(context.Background(), "defective", nil)
	require.Nil(t, result)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, types.ReasonException, taskErr.Reason)
	assert.Contains(t, taskErr.Message, "parser defect")
	assert.Equal(t, "boom fodder", taskErr.RawPreview)
}

func TestRunner_EmptyResponseIsInvalid(t *testing.T) {
	provider := &fakeProvider{
		name:   "fake",
		script: []fakeStep{{resp: &InvokeResponse{}}},
	}
	task := failingTask("hollow", 0, false, nil)
	runner := newTestRunner(t, task, provider)

	_, err := runner.Run(context.Background(), "hollow", nil)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, types.ReasonInvalidResponse, taskErr.Reason)
}

func TestRunner_CancellationStopsTheLoop(t *testing.T) {
	provider := &fakeProvider{
		name:   "fake",
		script: []fakeStep{{resp: textResponse("never parsed")}},
	}
	task := failingTask("cancelled", 5, true, nil)
	runner := newTestRunner(t, task, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := runner.Run(ctx, "cancelled", nil)
	require.Nil(t, result)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, types.ReasonCancelled, taskErr.Reason)
	assert.LessOrEqual(t, provider.calls(), 1, "no retries against a dead context")
}

func TestRunner_UnknownTask(t *testing.T) {
	provider := &fakeProvider{name: "fake", script: []fakeStep{{resp: textResponse("x")}}}
	runner := newTestRunner(t, failingTask("known", 0, false, nil), provider)

	_, err := runner.Run(context.Background(), "unknown", nil)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, types.ReasonException, taskErr.Reason)
}

func TestRunner_RawPreviewIsTruncated(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += fmt.Sprintf("junk-%d ", i)
	}
	provider := &fakeProvider{
		name:   "fake",
		script: []fakeStep{{resp: textResponse(long)}},
	}
	task := failingTask("verbose", 0, false, nil)
	runner := newTestRunner(t, task, provider)

	_, err := runner.Run(context.Background(), "verbose", nil)
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.LessOrEqual(t, len([]rune(taskErr.RawPreview)), types.RawPreviewLimit+1)
}

func TestRunner_PerProviderMaxTokensResolved(t *testing.T) {
	provider := &fakeProvider{
		name:   "fake",
		script: []fakeStep{{resp: textResponse("ok")}},
	}
	task := &Task{
		Name:                "budgeted",
		User:                func(_ any, _ Attempt) string { return "prompt" },
		Parse:               func(_ any, resp *InvokeResponse) (any, *types.TaskError) { return resp.Text, nil },
		Mode:                ModeText,
		MaxTokens:           1024,
		MaxTokensByProvider: map[string]int{"fake": 8192},
	}
	runner := newTestRunner(t, task, provider)

	_, err := runner.Run(context.Background(), "budgeted", nil)
	require.NoError(t, err)
	require.Len(t, provider.requests, 1)
	assert.Equal(t, 8192, provider.requests[0].MaxTokens)
}
