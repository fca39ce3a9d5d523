package llm

import (
	"fmt"

	"github.com/hirelens/genflow/types"
)

// Attempt is the immutable per-attempt state the runner threads through the
// retry loop. Number is 0-based; Strict turns on after the first failure when
// the task opts into strict retries.
type Attempt struct {
	Number int
	Strict bool
}

// ParserFunc converts a normalized provider response into the task's result
// shape. Parsers must not panic; a panic is treated as a defect and surfaces
// as a typed "exception" error. The context value is the same opaque object
// the caller passed to Run.
type ParserFunc func(tctx any, resp *InvokeResponse) (any, *types.TaskError)

// Task is the immutable descriptor registered once per task name.
type Task struct {
	Name string

	// System is a fixed system prompt. SystemFunc, when set, takes
	// precedence and builds the system prompt from the caller context.
	System     string
	SystemFunc func(tctx any) string

	// User builds the user prompt. The attempt is passed so retry attempts
	// can sharpen the JSON instructions (strict mode is a prompt-level
	// signal, not a protocol-level one).
	User func(tctx any, attempt Attempt) string

	Parse ParserFunc

	Mode        Mode
	Temperature float32

	// MaxTokens is the output budget. MaxTokensByProvider overrides it for
	// specific providers (image models and long-form storyboards differ).
	MaxTokens           int
	MaxTokensByProvider map[string]int

	// Retries is the number of additional attempts after the first
	// (total invocations = Retries + 1).
	Retries       int
	StrictOnRetry bool

	// Schema, when set, is offered to the adapter for native enforcement.
	Schema     *types.JSONSchema
	SchemaName string

	// Grounding asks for the provider's search tool. Resolved here once,
	// per descriptor, never re-derived at call time.
	Grounding bool
}

// SystemPrompt resolves the system text for a context.
func (t *Task) SystemPrompt(tctx any) string {
	if t.SystemFunc != nil {
		return t.SystemFunc(tctx)
	}
	return t.System
}

// MaxTokensFor resolves the output budget for a provider.
func (t *Task) MaxTokensFor(provider string) int {
	if n, ok := t.MaxTokensByProvider[provider]; ok {
		return n
	}
	return t.MaxTokens
}

// validate rejects descriptors that would only fail at request time.
func (t *Task) validate() error {
	if t.Name == "" {
		return fmt.Errorf("task descriptor without a name")
	}
	if t.User == nil {
		return fmt.Errorf("task %q: missing user prompt builder", t.Name)
	}
	if t.Parse == nil {
		return fmt.Errorf("task %q: missing parser", t.Name)
	}
	if t.Retries < 0 {
		return fmt.Errorf("task %q: negative retry budget %d", t.Name, t.Retries)
	}
	switch t.Mode {
	case ModeText, ModeJSON:
	default:
		return fmt.Errorf("task %q: unknown mode %q", t.Name, t.Mode)
	}
	if t.Schema != nil && t.SchemaName == "" {
		return fmt.Errorf("task %q: schema registered without a schema name", t.Name)
	}
	return nil
}
