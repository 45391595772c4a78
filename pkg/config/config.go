// Package config defines the YAML configuration surface: named LLMs and
// agents, tool sources, the checkpoint store and logging. A single file
// describes everything the CLI needs to assemble a running agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config is the root of a configuration file.
type Config struct {
	// Version and metadata carry no semantics; they document the file.
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// LLMs are the chat model endpoints, keyed by a name agents refer to.
	LLMs map[string]LLMConfig `yaml:"llms,omitempty" json:"llms,omitempty"`

	// Agents are the agent definitions, keyed by agent name.
	Agents map[string]AgentConfig `yaml:"agents,omitempty" json:"agents,omitempty"`

	// Tools configures the tool sources shared by all agents.
	Tools ToolsConfig `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Checkpoint selects the store durable state is saved to.
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`

	// Logger configures the process logger.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`
}

// SetDefaults applies defaults across the whole file. When no LLMs or
// agents are configured a default of each is created so a bare file (or no
// file at all) still yields a working setup.
func (c *Config) SetDefaults() {
	if c.LLMs == nil {
		c.LLMs = make(map[string]LLMConfig)
	}
	if c.Agents == nil {
		c.Agents = make(map[string]AgentConfig)
	}

	if len(c.LLMs) == 0 {
		c.LLMs["default-llm"] = LLMConfig{}
	}
	if len(c.Agents) == 0 {
		c.Agents["default-agent"] = AgentConfig{}
	}

	for name := range c.LLMs {
		llm := c.LLMs[name]
		llm.SetDefaults()
		c.LLMs[name] = llm
	}

	for name := range c.Agents {
		agent := c.Agents[name]
		agent.SetDefaults(c)
		c.Agents[name] = agent
	}

	c.Tools.SetDefaults()
	c.Checkpoint.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate checks the whole file, including the references between
// sections: every agent must name a configured LLM, and summarization
// middleware must name a configured LLM when it names one at all.
func (c *Config) Validate() error {
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm '%s' validation failed: %w", name, err)
		}
	}

	for name, agent := range c.Agents {
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("agent '%s' validation failed: %w", name, err)
		}
		if agent.LLM != "" {
			if _, ok := c.LLMs[agent.LLM]; !ok {
				return fmt.Errorf("agent '%s' validation failed: unknown llm %q", name, agent.LLM)
			}
		}
		for _, mw := range agent.Middleware {
			if mw.Type != MiddlewareSummarization {
				continue
			}
			var opts SummarizationOptions
			if err := mw.DecodeOptions(&opts); err != nil {
				continue // already reported by agent.Validate
			}
			if opts.Model != "" {
				if _, ok := c.LLMs[opts.Model]; !ok {
					return fmt.Errorf("agent '%s' validation failed: summarization references unknown llm %q", name, opts.Model)
				}
			}
		}
	}

	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools validation failed: %w", err)
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint validation failed: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger validation failed: %w", err)
	}

	return nil
}

// GetAgent returns an agent configuration by name.
func (c *Config) GetAgent(name string) (*AgentConfig, bool) {
	agent, exists := c.Agents[name]
	return &agent, exists
}

// GetLLM returns an LLM configuration by name.
func (c *Config) GetLLM(name string) (*LLMConfig, bool) {
	llm, exists := c.LLMs[name]
	return &llm, exists
}

// ListAgents returns the names of all configured agents.
func (c *Config) ListAgents() []string {
	agents := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		agents = append(agents, name)
	}
	return agents
}

// LoadConfig loads the complete configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return LoadConfigFromString(string(data))
}

// LoadConfigFromString loads configuration from a YAML document. The
// pipeline is: parse into a raw map, expand environment variables, decode
// into the typed config, apply defaults, validate.
func LoadConfigFromString(yamlContent string) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(yamlContent), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	expanded, _ := ExpandEnvVarsInData(raw).(map[string]any)

	var cfg Config
	if err := decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// decode maps a raw config map onto a struct using the yaml tag names.
// Weak typing lets expanded environment values ("4096", "true") land in
// int and bool fields.
func decode(input map[string]any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return err
	}
	return nil
}

// Schema returns the JSON schema of the configuration file, reflected from
// the config structs and their jsonschema tags.
func Schema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
	}
	schema := reflector.Reflect(&Config{})
	return json.MarshalIndent(schema, "", "  ")
}
