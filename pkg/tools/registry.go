// Package tools provides the tool registry, the bounded-pool invoker that
// executes model-issued tool calls, and an MCP toolset for remote tools.
package tools

import (
	"fmt"

	"github.com/weftworks/loom/pkg/registry"
	"github.com/weftworks/loom/pkg/tool"
)

// RegistryError reports a failed registry or invoker operation.
type RegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *RegistryError) Unwrap() error { return e.Err }

func NewRegistryError(component, action, message string, err error) *RegistryError {
	return &RegistryError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}

// Registry is a thread-safe name-to-tool map. Registration happens at agent
// build time; lookups afterwards are read-only.
type Registry struct {
	*registry.BaseRegistry[tool.Tool]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[tool.Tool](),
	}
}

// Register adds a tool under its own name.
func (r *Registry) Register(t tool.Tool) error {
	if t == nil {
		return NewRegistryError("Registry", "Register", "tool cannot be nil", nil)
	}
	if err := r.BaseRegistry.Register(t.Name(), t); err != nil {
		return NewRegistryError("Registry", "Register",
			fmt.Sprintf("failed to register tool %s", t.Name()), err)
	}
	return nil
}

// RegisterAll registers tools in order, stopping at the first failure.
func (r *Registry) RegisterAll(ts ...tool.Tool) error {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns the model-facing definitions of all registered tools,
// sorted by name.
func (r *Registry) Definitions() []tool.Definition {
	items := r.List()
	defs := make([]tool.Definition, 0, len(items))
	for _, t := range items {
		defs = append(defs, tool.Describe(t))
	}
	return defs
}
