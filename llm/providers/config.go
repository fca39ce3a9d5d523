package providers

import "time"

// BaseConfig is the configuration every adapter shares. Embedding it gives
// each provider's Config the APIKey, BaseURL, Timeout, and RPS fields
// without repetition.
type BaseConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// RPS caps client-side request rate; 0 disables pacing.
	RPS float64 `json:"rps,omitempty" yaml:"rps,omitempty"`
}

// OpenAIConfig configures the OpenAI chat adapter.
type OpenAIConfig struct {
	BaseConfig   `yaml:",inline"`
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`
}

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	BaseConfig `yaml:",inline"`
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	BaseConfig `yaml:",inline"`
	// Version is the anthropic-version header value.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// ImageConfig configures the image-generation adapter.
type ImageConfig struct {
	BaseConfig `yaml:",inline"`
	// Size is the default output size, e.g. "1024x1024".
	Size string `json:"size,omitempty" yaml:"size,omitempty"`
}
