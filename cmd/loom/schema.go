package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/weftworks/loom/pkg/config"
)

// SchemaCmd prints the JSON Schema of the configuration file format. The
// output goes to stdout so it can be piped into editors and validators.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	data, err := schemaBytes(c.Compact)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

func schemaBytes(compact bool) ([]byte, error) {
	data, err := config.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema: %w", err)
	}
	if compact {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to compact schema: %w", err)
		}
		data = buf.Bytes()
	}
	return data, nil
}
