// Package genflow turns heterogeneous generative-AI providers into a
// reliable typed call: run a named task with a context and get back a
// validated result or a typed error. The provider set is a closed map of
// adapters behind one Invoke contract; retries, strictness escalation, and
// JSON recovery live in the runner, never in adapters.
//
// Usage:
//
//	cfg, _ := config.Load("genflow.yaml")
//	client, err := genflow.New(cfg, tasks.Catalog(logger), genflow.WithLogger(logger))
//	result, err := client.Run(ctx, "suggest", map[string]any{"role": "SRE", "tone": "warm"})
package genflow

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hirelens/genflow/config"
	"github.com/hirelens/genflow/internal/metrics"
	"github.com/hirelens/genflow/llm"
	"github.com/hirelens/genflow/llm/audit"
	"github.com/hirelens/genflow/llm/providers/anthropic"
	"github.com/hirelens/genflow/llm/providers/gemini"
	"github.com/hirelens/genflow/llm/providers/image"
	"github.com/hirelens/genflow/llm/providers/openai"
)

// Client is the public surface of the orchestration layer.
type Client struct {
	runner   *llm.Runner
	auditLog *audit.FileLog
	logger   *zap.Logger
}

// Option configures the client created by New.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	recorder   audit.Recorder
	registerer prometheus.Registerer
	adapters   map[string]llm.Provider
}

// WithLogger sets the zap logger shared by all components.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRecorder overrides the audit recorder (the config file path is
// ignored when set).
func WithRecorder(rec audit.Recorder) Option {
	return func(o *options) { o.recorder = rec }
}

// WithRegisterer sets the prometheus registerer; tests pass their own
// registry so clients stay independent.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithAdapter registers or replaces a provider adapter. Tests use this to
// install fakes behind real task descriptors.
func WithAdapter(name string, p llm.Provider) Option {
	return func(o *options) {
		if o.adapters == nil {
			o.adapters = make(map[string]llm.Provider)
		}
		o.adapters[name] = p
	}
}

// New wires the registry, selection policy, adapters, audit log, and
// metrics, and validates the whole task set against the configuration.
// A task that cannot resolve to a registered adapter aborts construction;
// misconfiguration is a startup failure, never a request-time one.
func New(cfg *config.Config, tasks []*llm.Task, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var fileLog *audit.FileLog
	rec := o.recorder
	if rec == nil {
		if cfg.AuditLog != "" {
			var err error
			fileLog, err = audit.Open(cfg.AuditLog, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to open audit log: %w", err)
			}
			rec = fileLog
		} else {
			rec = audit.Nop()
		}
	}

	adapters := map[string]llm.Provider{
		"openai":       openai.New(cfg.Providers.OpenAI, logger, rec),
		"gemini":       gemini.New(cfg.Providers.Gemini, logger, rec),
		"anthropic":    anthropic.New(cfg.Providers.Anthropic, logger, rec),
		"openai-image": image.New(cfg.Providers.Image, logger, rec),
	}
	for name, p := range o.adapters {
		adapters[name] = p
	}

	registry, err := llm.NewTaskRegistry(tasks...)
	if err != nil {
		return nil, err
	}
	policy := llm.NewPolicy(cfg.PolicyConfig(), logger)
	if err := registry.ValidateAgainst(policy, adapters); err != nil {
		return nil, err
	}

	collector := metrics.NewCollector("genflow", o.registerer)
	runner := llm.NewRunner(registry, policy, adapters, logger, collector)

	return &Client{runner: runner, auditLog: fileLog, logger: logger}, nil
}

// Run executes a task. The context value is opaque: it flows unmodified
// into the task's prompt builders and parser. The returned error, when
// non-nil, is always a *types.TaskError.
func (c *Client) Run(ctx context.Context, taskName string, tctx any) (*llm.Result, error) {
	return c.runner.Run(ctx, taskName, tctx)
}

// Close releases the audit log file, if the client owns one.
func (c *Client) Close() error {
	if c.auditLog != nil {
		return c.auditLog.Close()
	}
	return nil
}
