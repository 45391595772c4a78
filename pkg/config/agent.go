package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// AgentConfig defines a single agent: which LLM it speaks through, its
// prompt and loop limits, the tools it may call and the middleware attached
// to its invocations.
type AgentConfig struct {
	// Description is shown in team rosters and agent listings.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// LLM names an entry in Config.LLMs. Defaults to the only configured
	// LLM when exactly one exists.
	LLM string `yaml:"llm,omitempty" json:"llm,omitempty"`

	// SystemPrompt seeds new conversations.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`

	// MaxIterations bounds model calls per invocation.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" jsonschema:"minimum=1,default=10"`

	// TimeoutSeconds bounds wall time per invocation.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" jsonschema:"minimum=1,default=120"`

	// Stream enables token streaming for interactive use.
	Stream bool `yaml:"stream,omitempty" json:"stream,omitempty"`

	// Tools restricts the agent to the named tools. Empty exposes every
	// registered tool.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Middleware lists the middleware attached to this agent, in file
	// order. Each entry's options depend on its type.
	Middleware []MiddlewareConfig `yaml:"middleware,omitempty" json:"middleware,omitempty"`
}

// SetDefaults applies agent defaults. The root config resolves the LLM
// reference when the file configures exactly one.
func (c *AgentConfig) SetDefaults(root *Config) {
	if c.LLM == "" && root != nil {
		if _, ok := root.LLMs["default-llm"]; ok {
			c.LLM = "default-llm"
		} else if len(root.LLMs) == 1 {
			for name := range root.LLMs {
				c.LLM = name
			}
		}
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 120
	}
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.LLM == "" {
		return fmt.Errorf("llm is required")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	for i, mw := range c.Middleware {
		if err := mw.Validate(); err != nil {
			return fmt.Errorf("middleware[%d] validation failed: %w", i, err)
		}
	}
	return nil
}

// Middleware types accepted in agent middleware blocks.
const (
	MiddlewareLogging       = "logging"
	MiddlewareSummarization = "summarization"
	MiddlewareApproval      = "approval"
	MiddlewareInjection     = "injection"
)

// MiddlewareConfig is one middleware block under an agent. The options map
// is decoded into a typed options struct per middleware type.
type MiddlewareConfig struct {
	// Type selects the middleware.
	Type string `yaml:"type" json:"type" jsonschema:"enum=logging,enum=summarization,enum=approval,enum=injection"`

	// Options are type-specific settings.
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// DecodeOptions maps the raw options block onto a typed options struct.
// Unknown option keys are rejected.
func (c *MiddlewareConfig) DecodeOptions(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	input := c.Options
	if input == nil {
		input = map[string]any{}
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("invalid %s options: %w", c.Type, err)
	}
	return nil
}

// Validate checks the block's type and that its options decode.
func (c *MiddlewareConfig) Validate() error {
	switch c.Type {
	case MiddlewareLogging:
		var opts LoggingOptions
		return c.DecodeOptions(&opts)
	case MiddlewareSummarization:
		var opts SummarizationOptions
		return c.DecodeOptions(&opts)
	case MiddlewareApproval:
		var opts ApprovalOptions
		if err := c.DecodeOptions(&opts); err != nil {
			return err
		}
		switch opts.Policy {
		case "", "always", "whitelist", "blacklist", "never":
			return nil
		default:
			return fmt.Errorf("unknown approval policy %q", opts.Policy)
		}
	case MiddlewareInjection:
		var opts InjectionOptions
		if err := c.DecodeOptions(&opts); err != nil {
			return err
		}
		mode := opts.Mode
		if mode == "" {
			mode = "suffix"
		}
		switch mode {
		case "prefix", "suffix", "replace", "override":
		default:
			return fmt.Errorf("unknown injection mode %q", opts.Mode)
		}
		if mode != "replace" && opts.Template == "" {
			return fmt.Errorf("injection mode %s requires a template", mode)
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown middleware type %q", c.Type)
	}
}

// LoggingOptions configures a logging middleware block.
type LoggingOptions struct {
	// LogStateUpdates adds a debug line on every state transition.
	LogStateUpdates bool `yaml:"log_state_updates,omitempty" json:"log_state_updates,omitempty"`

	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// SummarizationOptions configures a summarization middleware block.
type SummarizationOptions struct {
	// Model names the Config.LLMs entry used for summary calls. Defaults
	// to the agent's own LLM.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// CounterModel names the tokenizer used for budgeting.
	CounterModel string `yaml:"counter_model,omitempty" json:"counter_model,omitempty"`

	// TokenThreshold is the transcript size that triggers compaction.
	TokenThreshold int `yaml:"token_threshold,omitempty" json:"token_threshold,omitempty"`

	// KeepRecent is how many trailing messages stay out of the summary.
	KeepRecent int `yaml:"keep_recent,omitempty" json:"keep_recent,omitempty"`

	// ChunkSize caps the messages per summary call.
	ChunkSize int `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`

	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// ApprovalOptions configures an approval middleware block.
type ApprovalOptions struct {
	// Policy is one of always, whitelist, blacklist, never.
	Policy string `yaml:"policy,omitempty" json:"policy,omitempty" jsonschema:"enum=always,enum=whitelist,enum=blacklist,enum=never"`

	// Tools is the whitelist or blacklist, depending on the policy.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// InjectionOptions configures an injection middleware block.
type InjectionOptions struct {
	// Mode is one of prefix, suffix, replace, override.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty" jsonschema:"enum=prefix,enum=suffix,enum=replace,enum=override"`

	// Template is the injected text; it may use ${state:key},
	// ${request:key} and ${context:key} variables.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
}
