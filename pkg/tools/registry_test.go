package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/weftworks/loom/pkg/tool"
)

func echoTool(t *testing.T, name string) tool.Tool {
	t.Helper()
	tl, err := tool.NewFunc(name, "Echo "+name, map[string]any{"type": "object"},
		func(ctx context.Context, arguments string) (string, error) {
			return arguments, nil
		})
	if err != nil {
		t.Fatalf("NewFunc(%s) error = %v", name, err)
	}
	return tl
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool(t, "echo")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := reg.Get("echo")
	if !ok || got.Name() != "echo" {
		t.Errorf("Get(echo) = %v, %v", got, ok)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool(t, "echo")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := reg.Register(echoTool(t, "echo"))
	if err == nil {
		t.Fatal("duplicate registration should fail")
	}
	var regErr *RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("error type = %T, want *RegistryError", err)
	}
	if regErr.Component != "Registry" || regErr.Action != "Register" {
		t.Errorf("error = %+v", regErr)
	}
}

func TestRegistryNilTool(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(nil); err == nil {
		t.Error("nil tool should be rejected")
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterAll(echoTool(t, "zeta"), echoTool(t, "alpha"), echoTool(t, "mid")); err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}

	defs := reg.Definitions()
	if len(defs) != 3 {
		t.Fatalf("definitions = %d, want 3", len(defs))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("definitions[%d] = %s, want %s", i, def.Name, want[i])
		}
	}
	if defs[0].Parameters["type"] != "object" {
		t.Errorf("definition parameters = %v", defs[0].Parameters)
	}
}

func TestRegistryRegisterAllStopsOnFailure(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool(t, "dup")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := reg.RegisterAll(echoTool(t, "ok"), echoTool(t, "dup"), echoTool(t, "never"))
	if err == nil {
		t.Fatal("RegisterAll should surface the duplicate")
	}
	if _, ok := reg.Get("never"); ok {
		t.Error("registration should stop at the first failure")
	}
}
