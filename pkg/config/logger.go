package config

import "fmt"

// LoggerConfig configures the process logger.
//
// Example:
//
//	logger:
//	  level: info
//	  format: simple
//	  output: loom.log
type LoggerConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// Format is one of simple (level + message), verbose (time + level +
	// message) or json. Default: simple.
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=simple,enum=verbose,enum=json,default=simple"`

	// Output is "stderr", "stdout" or a file path. Default: stderr.
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// SetDefaults applies logger defaults.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks the logger configuration.
func (c *LoggerConfig) Validate() error {
	if c.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "warning": true, "error": true,
		}
		if !validLevels[c.Level] {
			return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
		}
	}
	if c.Format != "" {
		validFormats := map[string]bool{
			"simple": true, "verbose": true, "json": true,
		}
		if !validFormats[c.Format] {
			return fmt.Errorf("invalid log format %q (valid: simple, verbose, json)", c.Format)
		}
	}
	// Output accepts stderr, stdout or any file path.
	return nil
}
