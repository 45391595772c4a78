package config

import "fmt"

// ToolsConfig configures the tool sources shared by all agents.
type ToolsConfig struct {
	// MCP lists Model Context Protocol servers launched as subprocesses.
	// Their tools are registered under the server's announced names.
	MCP []MCPServerConfig `yaml:"mcp,omitempty" json:"mcp,omitempty"`
}

// SetDefaults applies tool defaults.
func (c *ToolsConfig) SetDefaults() {
	for i := range c.MCP {
		c.MCP[i].SetDefaults()
	}
}

// Validate checks the tool configuration.
func (c *ToolsConfig) Validate() error {
	seen := make(map[string]bool, len(c.MCP))
	for i, server := range c.MCP {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("mcp[%d] validation failed: %w", i, err)
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate mcp server name %q", server.Name)
		}
		seen[server.Name] = true
	}
	return nil
}

// MCPServerConfig launches one MCP server over stdio.
type MCPServerConfig struct {
	// Name identifies the server in logs and errors.
	Name string `yaml:"name" json:"name"`

	// Command is the executable to launch.
	Command string `yaml:"command" json:"command"`

	// Args are passed to the command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env adds environment variables for the subprocess.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Filter limits which server tools are exposed. Empty means all.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// SetDefaults applies server defaults.
func (c *MCPServerConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = c.Command
	}
}

// Validate checks the server configuration.
func (c *MCPServerConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}
