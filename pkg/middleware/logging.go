package middleware

import (
	"context"
	"log/slog"

	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/state"
)

// DefaultLoggingPriority places logging at the front of the chain so its
// before hooks see the request first and its after hooks run last.
const DefaultLoggingPriority = 0

// LoggingConfig configures the logging middleware.
type LoggingConfig struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// LogStateUpdates adds a debug line on every state transition. Off by
	// default; transcripts update several times per iteration.
	LogStateUpdates bool

	Priority int
}

// Logging emits structured events across the invocation lifecycle. It never
// affects control flow.
type Logging struct {
	logger   *slog.Logger
	logState bool
	priority int
}

// NewLogging builds the logging middleware.
func NewLogging(cfg LoggingConfig) *Logging {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	priority := cfg.Priority
	if priority == 0 {
		priority = DefaultLoggingPriority
	}
	return &Logging{logger: logger, logState: cfg.LogStateUpdates, priority: priority}
}

func (m *Logging) Name() string  { return "logging" }
func (m *Logging) Priority() int { return m.priority }

func (m *Logging) BeforeInvoke(ctx context.Context, ic *agent.InvocationContext) error {
	m.logger.Info("iteration starting",
		"iteration", ic.Iteration(),
		"session", ic.Request().SessionID,
		"messages", len(ic.State().Messages))
	return nil
}

func (m *Logging) AfterInvoke(ctx context.Context, ic *agent.InvocationContext) error {
	attrs := []any{"iteration", ic.Iteration()}
	if resp := ic.Response(); resp != nil {
		attrs = append(attrs, "output_chars", len(resp.Output), "tool_calls", len(resp.ToolCalls))
	}
	m.logger.Info("iteration complete", attrs...)
	return nil
}

func (m *Logging) BeforeToolCall(ctx context.Context, ic *agent.InvocationContext, call protocol.ToolCall) (agent.InterceptionResult, error) {
	m.logger.Info("tool call starting",
		"tool", call.Name,
		"call_id", call.ID,
		"arguments_bytes", len(call.Arguments))
	return agent.Continue(), nil
}

func (m *Logging) AfterToolCall(ctx context.Context, ic *agent.InvocationContext, call protocol.ToolCall, result *protocol.ToolResult) error {
	if result.IsError {
		m.logger.Warn("tool call failed",
			"tool", call.Name,
			"call_id", call.ID,
			"error", result.ErrorMessage)
		return nil
	}
	m.logger.Info("tool call complete",
		"tool", call.Name,
		"call_id", call.ID,
		"result_bytes", len(result.Content))
	return nil
}

func (m *Logging) OnStateUpdate(ctx context.Context, ic *agent.InvocationContext, st state.State) (state.State, error) {
	if m.logState {
		m.logger.Debug("state updated",
			"version", st.Version,
			"messages", len(st.Messages))
	}
	return st, nil
}

func (m *Logging) OnError(ctx context.Context, ic *agent.InvocationContext, cause error) error {
	m.logger.Error("invocation failed",
		"session", ic.Request().SessionID,
		"iteration", ic.Iteration(),
		"error", cause)
	return nil
}

func (m *Logging) OnFinally(ctx context.Context, ic *agent.InvocationContext, cause error) error {
	m.logger.Debug("invocation finished",
		"session", ic.Request().SessionID,
		"status", ic.Status())
	return nil
}
