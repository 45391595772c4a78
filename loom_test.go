package loom

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/weftworks/loom/pkg/checkpoint"
	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/tool"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfigFromString(yaml)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func addTool(t *testing.T) tool.Tool {
	t.Helper()
	add, err := tool.NewTyped("add", "Adds two numbers",
		func(ctx context.Context, args struct {
			A float64 `json:"a"`
			B float64 `json:"b"`
		}) (string, error) {
			return strconv.FormatFloat(args.A+args.B, 'f', -1, 64), nil
		})
	if err != nil {
		t.Fatalf("failed to build tool: %v", err)
	}
	return add
}

func TestNewRuntime(t *testing.T) {
	cfg := testConfig(t, `
llms:
  main:
    provider: openai-compatible
    model: gpt-4o
    base_url: http://localhost:9/v1
agents:
  helper:
    llm: main
    system_prompt: "You help."
  reviewer:
    llm: main
    middleware:
      - type: logging
      - type: approval
        options:
          policy: always
`)

	ctx := context.Background()
	rt, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to assemble runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })

	names := rt.AgentNames()
	if len(names) != 2 || names[0] != "helper" || names[1] != "reviewer" {
		t.Errorf("unexpected agent names %v", names)
	}

	helper, ok := rt.Agent("helper")
	if !ok {
		t.Fatal("expected helper agent")
	}
	if helper.Name() != "helper" {
		t.Errorf("expected agent name helper, got %s", helper.Name())
	}
	if helper.Config().SystemPrompt != "You help." {
		t.Errorf("unexpected system prompt %q", helper.Config().SystemPrompt)
	}

	if _, ok := rt.Model("main"); !ok {
		t.Error("expected model 'main'")
	}
	if _, ok := rt.Agent("missing"); ok {
		t.Error("did not expect agent 'missing'")
	}

	if _, ok := rt.Checkpointer().(*checkpoint.Memory); !ok {
		t.Errorf("expected memory checkpointer, got %T", rt.Checkpointer())
	}
}

func TestRuntimeToolFiltering(t *testing.T) {
	cfg := testConfig(t, `
llms:
  main:
    provider: openai-compatible
    model: gpt-4o
agents:
  helper:
    llm: main
    tools: [add]
`)

	ctx := context.Background()
	rt, err := New(ctx, cfg, WithTools(addTool(t)))
	if err != nil {
		t.Fatalf("failed to assemble runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })

	if _, ok := rt.Agent("helper"); !ok {
		t.Fatal("expected helper agent")
	}
}

func TestRuntimeUnknownTool(t *testing.T) {
	cfg := testConfig(t, `
llms:
  main:
    provider: openai-compatible
    model: gpt-4o
agents:
  helper:
    llm: main
    tools: [teleport]
`)

	ctx := context.Background()
	_, err := New(ctx, cfg)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if !strings.Contains(err.Error(), `unknown tool "teleport"`) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRuntimeSummarizationUsesAgentLLM(t *testing.T) {
	cfg := testConfig(t, `
llms:
  main:
    provider: openai-compatible
    model: gpt-4o
agents:
  helper:
    llm: main
    middleware:
      - type: summarization
        options:
          token_threshold: 500
`)

	ctx := context.Background()
	rt, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to assemble runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
}

func TestNewChatModel(t *testing.T) {
	openai, err := NewChatModel(config.LLMConfig{
		Provider: config.ProviderOpenAICompatible,
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatalf("failed to build openai model: %v", err)
	}
	if openai.Model() != "gpt-4o" {
		t.Errorf("unexpected model id %s", openai.Model())
	}

	anthropic, err := NewChatModel(config.LLMConfig{
		Provider: config.ProviderAnthropic,
		Model:    "claude-sonnet-4-20250514",
		APIKey:   "test-key",
	})
	if err != nil {
		t.Fatalf("failed to build anthropic model: %v", err)
	}
	if anthropic.Model() != "claude-sonnet-4-20250514" {
		t.Errorf("unexpected model id %s", anthropic.Model())
	}

	if _, err := NewChatModel(config.LLMConfig{Provider: "gemini"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewCheckpointer(t *testing.T) {
	cp, err := NewCheckpointer(config.CheckpointConfig{Store: config.StoreMemory})
	if err != nil {
		t.Fatalf("failed to build memory checkpointer: %v", err)
	}
	if _, ok := cp.(*checkpoint.Memory); !ok {
		t.Errorf("expected memory checkpointer, got %T", cp)
	}

	if _, err := NewCheckpointer(config.CheckpointConfig{Store: "redis"}); err == nil {
		t.Error("expected error for unknown store")
	}
}

func TestVersion(t *testing.T) {
	info := GetVersion()
	if info.Version == "" {
		t.Error("expected a version")
	}
	if !strings.Contains(info.String(), "Loom") {
		t.Errorf("unexpected version string %q", info.String())
	}
}
