package llm

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolution is the (provider, model) pair a task runs against. Derived once
// per task from static configuration and cached for the process lifetime.
type Resolution struct {
	Provider string
	Model    string
}

// PolicyConfig is the static input to provider selection.
type PolicyConfig struct {
	// TaskSpecs maps task name to a spec string: "provider",
	// "provider:model", or a bare model id.
	TaskSpecs map[string]string

	// SpecLookup, when set, is consulted before TaskSpecs. The config layer
	// uses it to surface environment overrides.
	SpecLookup func(task string) (string, bool)

	// DefaultSpec is used for tasks with no entry at all.
	DefaultSpec string

	// DefaultModels maps provider id to its default model, used when a spec
	// names only the provider.
	DefaultModels map[string]string

	// ModelPrefixes maps a model-id prefix to the provider that owns it,
	// so a bare "gemini-2.5-pro" spec resolves without naming the provider.
	ModelPrefixes map[string]string
}

// Policy resolves and memoizes provider selection per task. The cache is
// owned by the policy instance, not process-global, so tests can construct
// independent policies. First resolution is deduped via singleflight;
// recomputing would be harmless (resolution is a pure function of static
// config) but the memo keeps results reference-identical.
type Policy struct {
	cfg    PolicyConfig
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Resolution
	group singleflight.Group
}

// NewPolicy creates a selection policy over a static configuration snapshot.
// Configuration changes require a new process (or a new policy).
func NewPolicy(cfg PolicyConfig, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]*Resolution),
	}
}

// Select returns the provider/model pair for a task. The first call parses
// configuration; later calls return the memoized pointer. A spec that
// resolves to no known provider or an empty model is a configuration error
// raised here, never swallowed.
func (p *Policy) Select(task string) (*Resolution, error) {
	p.mu.RLock()
	if res, ok := p.cache[task]; ok {
		p.mu.RUnlock()
		return res, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.group.Do(task, func() (any, error) {
		res, err := p.resolve(task)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[task] = res
		p.mu.Unlock()
		p.logger.Debug("provider resolved",
			zap.String("task", task),
			zap.String("provider", res.Provider),
			zap.String("model", res.Model))
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolution), nil
}

func (p *Policy) resolve(task string) (*Resolution, error) {
	spec := ""
	if p.cfg.SpecLookup != nil {
		if s, ok := p.cfg.SpecLookup(task); ok {
			spec = s
		}
	}
	if spec == "" {
		spec = p.cfg.TaskSpecs[task]
	}
	if spec == "" {
		spec = p.cfg.DefaultSpec
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("no provider spec configured for task %q", task)
	}

	provider, model, found := strings.Cut(spec, ":")
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)

	if !found {
		// Bare token: a known provider id, or a model whose prefix
		// identifies its provider.
		if _, ok := p.cfg.DefaultModels[provider]; ok {
			model = ""
		} else if owner := p.providerForModel(provider); owner != "" {
			model = provider
			provider = owner
		} else {
			return nil, fmt.Errorf("task %q: spec %q is neither a known provider nor a recognizable model", task, spec)
		}
	}

	if model == "" {
		model = p.cfg.DefaultModels[provider]
	}
	if provider == "" || model == "" {
		return nil, fmt.Errorf("task %q: spec %q resolves to provider=%q model=%q", task, spec, provider, model)
	}
	return &Resolution{Provider: provider, Model: model}, nil
}

// providerForModel matches the longest registered prefix, so overlapping
// prefixes ("gpt-" and "gpt-image-") resolve to the right provider.
func (p *Policy) providerForModel(model string) string {
	best, owner := 0, ""
	for prefix, provider := range p.cfg.ModelPrefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best, owner = len(prefix), provider
		}
	}
	return owner
}
