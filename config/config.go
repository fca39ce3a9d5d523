// Package config loads genflow configuration: per-task provider specs,
// per-provider credentials and endpoints, and the audit log location.
//
// Precedence: built-in defaults, then the YAML file, then environment
// variables. Configuration is a static snapshot: a new process picks up
// new configuration; nothing re-reads it at request time.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hirelens/genflow/llm"
	"github.com/hirelens/genflow/llm/providers"
)

// EnvPrefix is the prefix for all environment overrides.
const EnvPrefix = "GENFLOW"

// Config is the full genflow configuration.
type Config struct {
	// Tasks maps task name to a provider spec: "provider",
	// "provider:model", or a bare model id with a recognizable prefix.
	Tasks map[string]string `yaml:"tasks"`

	// DefaultSpec applies to tasks with no entry.
	DefaultSpec string `yaml:"default_spec"`

	// DefaultModels maps provider id to the model used when a spec names
	// only the provider.
	DefaultModels map[string]string `yaml:"default_models"`

	Providers ProvidersConfig `yaml:"providers"`

	// AuditLog is the NDJSON traffic log path; empty disables the log.
	AuditLog string `yaml:"audit_log"`

	// LogLevel controls the zap logger built by the CLI ("debug", "info"...).
	LogLevel string `yaml:"log_level"`
}

// ProvidersConfig holds per-adapter settings.
type ProvidersConfig struct {
	OpenAI    providers.OpenAIConfig    `yaml:"openai"`
	Gemini    providers.GeminiConfig    `yaml:"gemini"`
	Anthropic providers.AnthropicConfig `yaml:"anthropic"`
	Image     providers.ImageConfig     `yaml:"image"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tasks: map[string]string{
			"poster_image": "openai-image",
		},
		DefaultSpec: "openai",
		DefaultModels: map[string]string{
			"openai":       "gpt-4o-mini",
			"gemini":       "gemini-2.0-flash",
			"anthropic":    "claude-sonnet-4-20250514",
			"openai-image": "gpt-image-1",
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv pulls credentials and endpoints from the environment. Provider
// keys also honor the conventional unprefixed names.
func (c *Config) applyEnv() {
	setIfEnv(&c.Providers.OpenAI.APIKey, EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY")
	setIfEnv(&c.Providers.Gemini.APIKey, EnvPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY")
	setIfEnv(&c.Providers.Anthropic.APIKey, EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	setIfEnv(&c.Providers.Image.APIKey, EnvPrefix+"_IMAGE_API_KEY", "OPENAI_API_KEY")

	setIfEnv(&c.Providers.OpenAI.BaseURL, EnvPrefix+"_OPENAI_BASE_URL")
	setIfEnv(&c.Providers.Gemini.BaseURL, EnvPrefix+"_GEMINI_BASE_URL")
	setIfEnv(&c.Providers.Anthropic.BaseURL, EnvPrefix+"_ANTHROPIC_BASE_URL")
	setIfEnv(&c.Providers.Image.BaseURL, EnvPrefix+"_IMAGE_BASE_URL")

	setIfEnv(&c.AuditLog, EnvPrefix+"_AUDIT_LOG")
	setIfEnv(&c.DefaultSpec, EnvPrefix+"_DEFAULT_SPEC")
	setIfEnv(&c.LogLevel, EnvPrefix+"_LOG_LEVEL")
}

func setIfEnv(dst *string, keys ...string) {
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
			return
		}
	}
}

// TaskSpecEnv returns the environment key overriding a task's provider
// spec, e.g. GENFLOW_TASK_IMAGE_PROMPT for "image_prompt".
func TaskSpecEnv(task string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(task))
	return EnvPrefix + "_TASK_" + name
}

// SpecLookup resolves a task's spec from the environment, for use as the
// selection policy's override hook.
func SpecLookup(task string) (string, bool) {
	v, ok := os.LookupEnv(TaskSpecEnv(task))
	return v, ok && v != ""
}

// PolicyConfig assembles the selection-policy input from this configuration.
func (c *Config) PolicyConfig() llm.PolicyConfig {
	return llm.PolicyConfig{
		TaskSpecs:     c.Tasks,
		SpecLookup:    SpecLookup,
		DefaultSpec:   c.DefaultSpec,
		DefaultModels: c.DefaultModels,
		ModelPrefixes: map[string]string{
			"gpt-":       "openai",
			"o1-":        "openai",
			"o3-":        "openai",
			"gemini-":    "gemini",
			"claude-":    "anthropic",
			"dall-e":     "openai-image",
			"gpt-image-": "openai-image",
		},
	}
}
