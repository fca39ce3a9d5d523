package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hirelens/genflow/internal/metrics"
	"github.com/hirelens/genflow/types"
)

// Result is the success half of a task invocation: the parser's output plus
// invocation diagnostics.
type Result struct {
	Value    any
	Provider string
	Model    string
	// Attempt is the 0-based attempt that produced the success.
	Attempt  int
	Usage    *Usage
	Grounded bool
}

// Runner drives the task state machine: resolve provider, build prompts,
// invoke, parse, retry with escalating strictness. Retries are bounded and
// strictly sequential within an invocation; concurrent invocations share
// nothing mutable.
type Runner struct {
	registry *TaskRegistry
	policy   *Policy
	adapters map[string]Provider
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
}

// NewRunner wires the runner. The adapter map is the closed set of provider
// variants; registry validation against it happens in the facade, before
// any request runs. A nil collector disables metrics.
func NewRunner(registry *TaskRegistry, policy *Policy, adapters map[string]Provider, logger *zap.Logger, collector *metrics.Collector) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry: registry,
		policy:   policy,
		adapters: adapters,
		logger:   logger,
		metrics:  collector,
		tracer:   otel.Tracer("genflow/llm"),
	}
}

// Run executes a task to completion. The returned error, when non-nil, is
// always a *types.TaskError: adapter exceptions, parser defects, and
// cancellation are all converted; nothing panics or leaks a transport error
// across this boundary. Retries are invisible to the caller; only the
// final success or the last typed failure comes back.
func (r *Runner) Run(ctx context.Context, taskName string, tctx any) (*Result, error) {
	task, err := r.registry.Lookup(taskName)
	if err != nil {
		return nil, types.NewTaskError(types.ReasonException, err.Error())
	}
	res, err := r.policy.Select(taskName)
	if err != nil {
		return nil, types.NewTaskError(types.ReasonException, err.Error())
	}
	adapter, ok := r.adapters[res.Provider]
	if !ok {
		return nil, types.NewTaskError(types.ReasonException,
			fmt.Sprintf("no adapter registered for provider %q", res.Provider))
	}

	invocationID := uuid.NewString()
	log := r.logger.With(
		zap.String("task", taskName),
		zap.String("invocation", invocationID),
		zap.String("provider", res.Provider),
		zap.String("model", res.Model),
	)

	ctx, span := r.tracer.Start(ctx, "genflow.run",
		trace.WithAttributes(
			attribute.String("genflow.task", taskName),
			attribute.String("genflow.provider", res.Provider),
			attribute.String("genflow.model", res.Model),
		))
	defer span.End()

	maxAttempts := task.Retries + 1
	var lastErr *types.TaskError
	strict := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		at := Attempt{Number: attempt, Strict: strict}
		if r.metrics != nil {
			r.metrics.Attempt(taskName, res.Provider)
		}

		req := &InvokeRequest{
			Model:       res.Model,
			System:      task.SystemPrompt(tctx),
			User:        task.User(tctx, at),
			Mode:        task.Mode,
			Temperature: task.Temperature,
			MaxTokens:   task.MaxTokensFor(res.Provider),
			Task:        taskName,
			Route:       res.Provider + ":" + res.Model,
			Schema:      task.Schema,
			SchemaName:  task.SchemaName,
			Grounding:   task.Grounding,
		}

		start := time.Now()
		resp, invokeErr := adapter.Invoke(ctx, req)
		if r.metrics != nil {
			r.metrics.InvokeDuration(res.Provider, time.Since(start))
		}

		if invokeErr != nil {
			if ctx.Err() != nil {
				// Caller deadline or cancellation: stop immediately, do not
				// burn the remaining budget against a dead context.
				return nil, finalize(types.NewTaskError(types.ReasonCancelled, ctx.Err().Error()).WithCause(invokeErr), res, attempt)
			}
			log.Warn("adapter invoke failed",
				zap.Int("attempt", attempt),
				zap.Error(invokeErr))
			lastErr = types.NewTaskError(types.ReasonException, invokeErr.Error()).WithCause(invokeErr)
		} else if resp.Text == "" && resp.JSON == nil {
			lastErr = types.NewTaskError(types.ReasonInvalidResponse, "response has neither text nor structured payload")
		} else {
			if r.metrics != nil && resp.Usage != nil {
				r.metrics.Tokens(taskName, res.Provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			}
			value, parseErr := safeParse(task, tctx, resp)
			if parseErr == nil {
				if r.metrics != nil {
					r.metrics.Success(taskName, res.Provider)
				}
				log.Debug("task succeeded", zap.Int("attempt", attempt))
				return &Result{
					Value:    value,
					Provider: res.Provider,
					Model:    res.Model,
					Attempt:  attempt,
					Usage:    resp.Usage,
					Grounded: resp.Grounded,
				}, nil
			}
			if parseErr.RawPreview == "" {
				parseErr.WithRawPreview(resp.Text)
			}
			log.Warn("parse failed",
				zap.Int("attempt", attempt),
				zap.String("reason", string(parseErr.Reason)))
			lastErr = parseErr
		}

		if task.StrictOnRetry {
			strict = true
		}
	}

	if r.metrics != nil {
		r.metrics.Failure(taskName, res.Provider, string(lastErr.Reason))
	}
	span.SetAttributes(attribute.String("genflow.failure_reason", string(lastErr.Reason)))
	log.Error("task failed, retry budget exhausted",
		zap.Int("attempts", maxAttempts),
		zap.String("reason", string(lastErr.Reason)))
	return nil, finalize(lastErr, res, maxAttempts-1)
}

// finalize enriches a typed error with provider diagnostics for the caller.
func finalize(e *types.TaskError, res *Resolution, attempt int) *types.TaskError {
	e.Provider = res.Provider
	e.Model = res.Model
	e.Attempts = attempt + 1
	return e
}

// safeParse runs the task parser, converting a panic into a typed error.
// Parsers are contractually panic-free; one that is not is a defect and is
// reported as an exception, never propagated.
func safeParse(task *Task, tctx any, resp *InvokeResponse) (value any, taskErr *types.TaskError) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			taskErr = types.NewTaskError(types.ReasonException,
				fmt.Sprintf("parser panic: %v", rec)).WithRawPreview(resp.Text)
		}
	}()
	return task.Parse(tctx, resp)
}
