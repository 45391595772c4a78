package tool

import (
	"context"
	"strconv"
	"strings"
	"testing"
)

func TestNewFunc(t *testing.T) {
	echo, err := NewFunc("echo", "Echo the arguments back", nil,
		func(ctx context.Context, arguments string) (string, error) {
			return arguments, nil
		})
	if err != nil {
		t.Fatalf("NewFunc() error = %v", err)
	}

	if echo.Name() != "echo" || echo.Description() != "Echo the arguments back" {
		t.Errorf("metadata = %q / %q", echo.Name(), echo.Description())
	}
	if echo.Parameters() != nil {
		t.Errorf("parameters = %v, want nil", echo.Parameters())
	}

	out, err := echo.Execute(context.Background(), `{"msg":"hi"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != `{"msg":"hi"}` {
		t.Errorf("output = %q, raw arguments should pass through", out)
	}
}

func TestNewFuncValidation(t *testing.T) {
	if _, err := NewFunc("", "desc", nil, func(context.Context, string) (string, error) { return "", nil }); err == nil {
		t.Error("empty name should be rejected")
	}
	if _, err := NewFunc("x", "desc", nil, nil); err == nil {
		t.Error("nil function should be rejected")
	}
}

type addArgs struct {
	A float64 `json:"a" jsonschema:"required,description=First operand"`
	B float64 `json:"b" jsonschema:"required,description=Second operand"`
}

func TestNewTyped(t *testing.T) {
	add, err := NewTyped("add", "Add two numbers",
		func(ctx context.Context, args addArgs) (string, error) {
			return strconv.FormatFloat(args.A+args.B, 'f', -1, 64), nil
		})
	if err != nil {
		t.Fatalf("NewTyped() error = %v", err)
	}

	out, err := add.Execute(context.Background(), `{"a":125,"b":287}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "412" {
		t.Errorf("output = %q, want 412", out)
	}
}

func TestNewTypedSchema(t *testing.T) {
	add, err := NewTyped("add", "Add two numbers",
		func(ctx context.Context, args addArgs) (string, error) { return "", nil })
	if err != nil {
		t.Fatalf("NewTyped() error = %v", err)
	}

	schema := add.Parameters()
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %v", schema)
	}
	a, ok := props["a"].(map[string]any)
	if !ok {
		t.Fatalf("property a missing: %v", props)
	}
	if a["type"] != "number" || a["description"] != "First operand" {
		t.Errorf("property a = %v", a)
	}

	required, _ := schema["required"].([]any)
	if len(required) != 2 {
		t.Errorf("required = %v, want both fields", required)
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("$schema should be stripped")
	}
}

func TestNewTypedInvalidArguments(t *testing.T) {
	add, err := NewTyped("add", "Add two numbers",
		func(ctx context.Context, args addArgs) (string, error) { return "0", nil })
	if err != nil {
		t.Fatalf("NewTyped() error = %v", err)
	}

	_, err = add.Execute(context.Background(), `{"a":`)
	if err == nil {
		t.Fatal("truncated JSON should fail")
	}
	if !strings.Contains(err.Error(), "invalid arguments for add") {
		t.Errorf("error = %v, should name the tool", err)
	}
}

func TestNewTypedEmptyArguments(t *testing.T) {
	count := 0
	noop, err := NewTyped("noop", "Do nothing",
		func(ctx context.Context, args struct{}) (string, error) {
			count++
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("NewTyped() error = %v", err)
	}

	// Models sometimes emit empty argument strings for no-arg tools.
	out, err := noop.Execute(context.Background(), "")
	if err != nil || out != "ok" {
		t.Errorf("Execute() = %q, %v", out, err)
	}
	if count != 1 {
		t.Errorf("function ran %d times", count)
	}
}

func TestDescribe(t *testing.T) {
	echo, _ := NewFunc("echo", "Echo", map[string]any{"type": "object"},
		func(ctx context.Context, arguments string) (string, error) { return arguments, nil })

	def := Describe(echo)
	if def.Name != "echo" || def.Description != "Echo" {
		t.Errorf("definition = %+v", def)
	}
	if def.Parameters["type"] != "object" {
		t.Errorf("definition parameters = %v", def.Parameters)
	}
}
