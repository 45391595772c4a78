package config

import (
	"fmt"
	"os"
)

// Provider identifies the wire protocol an LLM endpoint speaks.
type Provider string

const (
	// ProviderOpenAICompatible covers OpenAI itself and every endpoint
	// speaking its chat completions protocol (vLLM, LiteLLM, Together).
	ProviderOpenAICompatible Provider = "openai-compatible"

	// ProviderAnthropic is the Anthropic Messages API.
	ProviderAnthropic Provider = "anthropic"
)

// LLMConfig configures one chat model endpoint.
type LLMConfig struct {
	// Provider selects the wire protocol.
	Provider Provider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=openai-compatible,enum=anthropic"`

	// Model is the model identifier sent on every request.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey authenticates requests. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Temperature for sampling.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"minimum=0,maximum=2"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"minimum=1"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries bounds retry attempts on retryable failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// RetryDelay is the base retry backoff in seconds.
	RetryDelay int `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
}

// SetDefaults applies defaults, detecting the provider and API key from the
// environment when unset.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}

	if c.Model == "" {
		switch c.Provider {
		case ProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case ProviderOpenAICompatible:
			c.Model = "gpt-4o"
		}
	}

	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(c.Provider)
	}
}

// Validate checks the LLM configuration. Keyless openai-compatible entries
// are allowed; self-hosted endpoints often run without authentication.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case ProviderOpenAICompatible, ProviderAnthropic:
	default:
		return fmt.Errorf("invalid provider %q (valid: openai-compatible, anthropic)", c.Provider)
	}

	if c.Model == "" {
		return fmt.Errorf("model is required")
	}

	if c.Provider == ProviderAnthropic && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	return nil
}

// detectProviderFromEnv picks a provider based on which API keys are set.
func detectProviderFromEnv() Provider {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return ProviderAnthropic
	}
	return ProviderOpenAICompatible
}

// apiKeyFromEnv returns the conventional API key variable for a provider.
func apiKeyFromEnv(provider Provider) string {
	switch provider {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAICompatible:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}
