// Package tool defines the contract for callable tools and constructors for
// building them from plain Go functions, with JSON schemas either supplied
// explicitly or reflected from a typed argument struct.
package tool

import (
	"context"
	"fmt"
)

// Tool is a named capability an agent can invoke.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description explains what the tool does. Models use it to decide
	// when the tool applies.
	Description() string

	// Parameters returns the JSON schema for the tool's arguments.
	// Nil means the tool takes none.
	Parameters() map[string]any

	// Execute runs the tool. arguments is the raw JSON string the model
	// emitted; parsing it is the tool's concern. A returned error marks
	// the call failed without aborting the surrounding loop.
	Execute(ctx context.Context, arguments string) (string, error)
}

// Definition is the provider-neutral description of a tool handed to a model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Describe builds the model-facing definition of a tool.
func Describe(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// Func is the signature for plain function tools.
type Func func(ctx context.Context, arguments string) (string, error)

type funcTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func
}

// NewFunc wraps a function as a Tool with an explicitly provided parameter
// schema. Use NewTyped when a struct can describe the arguments.
func NewFunc(name, description string, parameters map[string]any, fn Func) (Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool %s: function is required", name)
	}
	return &funcTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}, nil
}

func (t *funcTool) Name() string               { return t.name }
func (t *funcTool) Description() string        { return t.description }
func (t *funcTool) Parameters() map[string]any { return t.parameters }

func (t *funcTool) Execute(ctx context.Context, arguments string) (string, error) {
	return t.fn(ctx, arguments)
}

var _ Tool = (*funcTool)(nil)
