package loom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/checkpoint"
	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/llms"
	"github.com/weftworks/loom/pkg/middleware"
	"github.com/weftworks/loom/pkg/tool"
	"github.com/weftworks/loom/pkg/tools"
)

// Runtime holds the live objects assembled from a Config: chat models, the
// tool registry and its invokers, the checkpointer and the agents. Close
// releases everything in reverse order.
type Runtime struct {
	cfg          *config.Config
	logger       *slog.Logger
	extraTools   []tool.Tool
	models       map[string]llms.ChatModel
	registry     *tools.Registry
	invokers     []*tools.Invoker
	toolsets     []*tools.MCPToolset
	checkpointer checkpoint.Checkpointer
	agents       map[string]*agent.Agent
}

// RuntimeOption configures runtime assembly.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the logger handed to agents and middleware.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithTools registers native Go tools alongside the config-declared MCP
// servers. This is how library callers contribute code-defined tools to a
// config-driven setup.
func WithTools(ts ...tool.Tool) RuntimeOption {
	return func(r *Runtime) {
		r.extraTools = append(r.extraTools, ts...)
	}
}

// New assembles a runtime from configuration: one chat model per llms
// entry, a tool registry fed by native tools and MCP servers, the
// configured checkpointer, and one agent per agents entry. The context
// bounds MCP server startup.
func New(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	r := &Runtime{
		cfg:    cfg,
		logger: slog.Default(),
		models: make(map[string]llms.ChatModel, len(cfg.LLMs)),
		agents: make(map[string]*agent.Agent, len(cfg.Agents)),
	}
	for _, opt := range opts {
		opt(r)
	}

	for name, llmCfg := range cfg.LLMs {
		model, err := NewChatModel(llmCfg)
		if err != nil {
			return nil, fmt.Errorf("llm %s: %w", name, err)
		}
		r.models[name] = model
	}

	if err := r.buildTools(ctx); err != nil {
		r.close(ctx)
		return nil, err
	}

	cp, err := NewCheckpointer(cfg.Checkpoint)
	if err != nil {
		r.close(ctx)
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	r.checkpointer = cp

	shared := tools.NewInvoker(r.registry)
	r.invokers = append(r.invokers, shared)

	for name, agentCfg := range cfg.Agents {
		ag, err := r.buildAgent(name, agentCfg, shared)
		if err != nil {
			r.close(ctx)
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		r.agents[name] = ag
	}

	return r, nil
}

// Agent returns the agent built for the named config entry.
func (r *Runtime) Agent(name string) (*agent.Agent, bool) {
	ag, ok := r.agents[name]
	return ag, ok
}

// AgentNames returns the configured agent names, sorted.
func (r *Runtime) AgentNames() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Model returns the chat model built for the named llms entry.
func (r *Runtime) Model(name string) (llms.ChatModel, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Checkpointer returns the configured checkpointer.
func (r *Runtime) Checkpointer() checkpoint.Checkpointer {
	return r.checkpointer
}

// Close drains the tool invokers, stops MCP servers and closes the
// checkpointer when it holds a connection.
func (r *Runtime) Close(ctx context.Context) error {
	return r.close(ctx)
}

func (r *Runtime) close(ctx context.Context) error {
	var errs []error
	for _, inv := range r.invokers {
		if err := inv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ts := range r.toolsets {
		if err := ts.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if closer, ok := r.checkpointer.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) buildTools(ctx context.Context) error {
	r.registry = tools.NewRegistry()

	if err := r.registry.RegisterAll(r.extraTools...); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	for _, serverCfg := range r.cfg.Tools.MCP {
		ts, err := tools.NewMCPToolset(tools.MCPConfig{
			Name:    serverCfg.Name,
			Command: serverCfg.Command,
			Args:    serverCfg.Args,
			Env:     serverCfg.Env,
			Filter:  serverCfg.Filter,
		})
		if err != nil {
			return fmt.Errorf("mcp %s: %w", serverCfg.Name, err)
		}
		r.toolsets = append(r.toolsets, ts)
		if err := ts.RegisterInto(ctx, r.registry); err != nil {
			return fmt.Errorf("mcp %s: %w", serverCfg.Name, err)
		}
	}

	return nil
}

func (r *Runtime) buildAgent(name string, agentCfg config.AgentConfig, shared *tools.Invoker) (*agent.Agent, error) {
	model, ok := r.models[agentCfg.LLM]
	if !ok {
		return nil, fmt.Errorf("unknown llm %q", agentCfg.LLM)
	}

	inv := shared
	if len(agentCfg.Tools) > 0 {
		filtered := tools.NewRegistry()
		for _, toolName := range agentCfg.Tools {
			t, ok := r.registry.Get(toolName)
			if !ok {
				return nil, fmt.Errorf("unknown tool %q", toolName)
			}
			if err := filtered.Register(t); err != nil {
				return nil, err
			}
		}
		inv = tools.NewInvoker(filtered)
		r.invokers = append(r.invokers, inv)
	}

	mws, err := r.buildMiddleware(agentCfg)
	if err != nil {
		return nil, err
	}

	return agent.New(model,
		agent.WithConfig(agent.Config{
			Name:           name,
			SystemPrompt:   agentCfg.SystemPrompt,
			MaxIterations:  agentCfg.MaxIterations,
			TimeoutSeconds: agentCfg.TimeoutSeconds,
			Stream:         agentCfg.Stream,
		}),
		agent.WithInvoker(inv),
		agent.WithCheckpointer(r.checkpointer),
		agent.WithMiddleware(mws...),
		agent.WithLogger(r.logger),
	)
}

func (r *Runtime) buildMiddleware(agentCfg config.AgentConfig) ([]agent.Middleware, error) {
	mws := make([]agent.Middleware, 0, len(agentCfg.Middleware))

	for i, block := range agentCfg.Middleware {
		mw, err := r.buildMiddlewareBlock(agentCfg, block)
		if err != nil {
			return nil, fmt.Errorf("middleware[%d]: %w", i, err)
		}
		mws = append(mws, mw)
	}

	return mws, nil
}

func (r *Runtime) buildMiddlewareBlock(agentCfg config.AgentConfig, block config.MiddlewareConfig) (agent.Middleware, error) {
	switch block.Type {
	case config.MiddlewareLogging:
		var opts config.LoggingOptions
		if err := block.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return middleware.NewLogging(middleware.LoggingConfig{
			Logger:          r.logger,
			LogStateUpdates: opts.LogStateUpdates,
			Priority:        opts.Priority,
		}), nil

	case config.MiddlewareSummarization:
		var opts config.SummarizationOptions
		if err := block.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		modelName := opts.Model
		if modelName == "" {
			modelName = agentCfg.LLM
		}
		model, ok := r.models[modelName]
		if !ok {
			return nil, fmt.Errorf("unknown llm %q", modelName)
		}
		return middleware.NewSummarization(middleware.SummarizationConfig{
			Model:          model,
			CounterModel:   opts.CounterModel,
			TokenThreshold: opts.TokenThreshold,
			KeepRecent:     opts.KeepRecent,
			ChunkSize:      opts.ChunkSize,
			Logger:         r.logger,
			Priority:       opts.Priority,
		})

	case config.MiddlewareApproval:
		var opts config.ApprovalOptions
		if err := block.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return middleware.NewApproval(middleware.ApprovalConfig{
			Policy:   middleware.Policy(opts.Policy),
			Tools:    opts.Tools,
			Priority: opts.Priority,
		})

	case config.MiddlewareInjection:
		var opts config.InjectionOptions
		if err := block.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return middleware.NewInjection(middleware.InjectionConfig{
			Mode:     middleware.Mode(opts.Mode),
			Template: opts.Template,
			Priority: opts.Priority,
		})

	default:
		return nil, fmt.Errorf("unknown middleware type %q", block.Type)
	}
}

// NewChatModel builds a ChatModel from one llms config entry.
func NewChatModel(cfg config.LLMConfig) (llms.ChatModel, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return llms.NewAnthropic(llms.AnthropicConfig{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
			RetryDelay:  cfg.RetryDelay,
		})
	case config.ProviderOpenAICompatible:
		return llms.NewOpenAI(llms.OpenAIConfig{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
			RetryDelay:  cfg.RetryDelay,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// NewCheckpointer builds a Checkpointer from the checkpoint config.
func NewCheckpointer(cfg config.CheckpointConfig) (checkpoint.Checkpointer, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return checkpoint.NewMemory(), nil
	case config.StoreSQLite, config.StorePostgres, config.StoreMySQL:
		return checkpoint.NewSQLFromConfig(&checkpoint.SQLConfig{
			Driver:   string(cfg.Store),
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			MaxIdle:  cfg.MaxIdle,
		})
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
