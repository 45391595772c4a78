package agent

import "fmt"

const (
	// DefaultMaxIterations bounds the model calls of one invocation unless
	// the config or request says otherwise.
	DefaultMaxIterations = 10

	// DefaultTimeoutSeconds bounds the wall clock of one invocation.
	DefaultTimeoutSeconds = 120
)

// Config carries agent-level defaults. A request can override MaxIterations
// and the thread id per call.
type Config struct {
	Name           string `json:"name,omitempty" yaml:"name,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Stream         bool   `json:"stream,omitempty" yaml:"stream,omitempty"`
	ThreadID       string `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
}

// SetDefaults fills zero fields with the package defaults.
func (c *Config) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

// Validate rejects configurations the loop cannot honor.
func (c *Config) Validate() error {
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations cannot be negative")
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds cannot be negative")
	}
	return nil
}
