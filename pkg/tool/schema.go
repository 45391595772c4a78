package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// NewTyped wraps a typed function as a Tool, reflecting the parameter schema
// from the Args struct's json and jsonschema tags.
//
// Supported tags:
//   - json:"name"                      parameter name
//   - jsonschema:"required"            mark as required
//   - jsonschema:"description=..."    parameter description
//   - jsonschema:"default=...,enum=a|b" defaults and allowed values
//
// Example:
//
//	type AddArgs struct {
//		A float64 `json:"a" jsonschema:"required,description=First operand"`
//		B float64 `json:"b" jsonschema:"required,description=Second operand"`
//	}
//
//	add, err := tool.NewTyped("add", "Add two numbers",
//		func(ctx context.Context, args AddArgs) (string, error) {
//			return strconv.FormatFloat(args.A+args.B, 'f', -1, 64), nil
//		})
func NewTyped[Args any](name, description string, fn func(ctx context.Context, args Args) (string, error)) (Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool %s: function is required", name)
	}
	schema, err := ReflectSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("tool %s: reflect schema: %w", name, err)
	}
	return &typedTool[Args]{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

type typedTool[Args any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, args Args) (string, error)
}

func (t *typedTool[Args]) Name() string               { return t.name }
func (t *typedTool[Args]) Description() string        { return t.description }
func (t *typedTool[Args]) Parameters() map[string]any { return t.schema }

func (t *typedTool[Args]) Execute(ctx context.Context, arguments string) (string, error) {
	var args Args
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", t.name, err)
		}
	}
	return t.fn(ctx, args)
}

var _ Tool = (*typedTool[struct{}])(nil)

// ReflectSchema builds a JSON schema map for T from its struct tags.
func ReflectSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	// Round-trip through JSON to flatten jsonschema's ordered types into
	// plain maps the wire encoders expect.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}
