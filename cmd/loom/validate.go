package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/loom/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." type:"path"`

	// Print prints the expanded configuration instead of a verdict.
	Print bool `short:"p" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadConfig(c.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", c.Config, err)
		return fmt.Errorf("config validation failed")
	}

	if c.Print {
		fmt.Printf("# Expanded configuration from %s\n\n", c.Config)
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return encoder.Close()
	}

	fmt.Printf("%s: valid\n", c.Config)
	return nil
}
