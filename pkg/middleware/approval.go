package middleware

import (
	"context"
	"fmt"

	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/protocol"
)

// Policy selects which tool calls require human approval.
type Policy string

const (
	// PolicyAlways gates every tool call.
	PolicyAlways Policy = "always"
	// PolicyWhitelist gates exactly the listed tools.
	PolicyWhitelist Policy = "whitelist"
	// PolicyBlacklist exempts the listed tools and gates everything else.
	PolicyBlacklist Policy = "blacklist"
	// PolicyNever disables approval.
	PolicyNever Policy = "never"
)

// DefaultApprovalPriority runs the approval gate after the other built-ins,
// so earlier middleware can still veto a call outright with a stop.
const DefaultApprovalPriority = 100

// ApprovalConfig configures the human-in-the-loop middleware.
type ApprovalConfig struct {
	// Policy defaults to never.
	Policy Policy

	// Tools is the whitelist or blacklist, depending on the policy.
	Tools []string

	Priority int
}

// Approval suspends tool calls the policy matches. The loop checkpoints the
// invocation and surfaces an approval-required interrupt; Resume settles it.
// Approvals are scoped to the single checkpoint they suspended at, never
// cached across threads or users.
type Approval struct {
	policy   Policy
	tools    map[string]bool
	priority int
}

// NewApproval builds the approval middleware.
func NewApproval(cfg ApprovalConfig) (*Approval, error) {
	switch cfg.Policy {
	case PolicyAlways, PolicyWhitelist, PolicyBlacklist, PolicyNever:
	case "":
		cfg.Policy = PolicyNever
	default:
		return nil, fmt.Errorf("unknown approval policy %q", cfg.Policy)
	}
	priority := cfg.Priority
	if priority == 0 {
		priority = DefaultApprovalPriority
	}

	tools := make(map[string]bool, len(cfg.Tools))
	for _, name := range cfg.Tools {
		tools[name] = true
	}

	return &Approval{policy: cfg.Policy, tools: tools, priority: priority}, nil
}

func (m *Approval) Name() string  { return "approval" }
func (m *Approval) Priority() int { return m.priority }

// Requires reports whether the policy gates the named tool.
func (m *Approval) Requires(name string) bool {
	switch m.policy {
	case PolicyAlways:
		return true
	case PolicyWhitelist:
		return m.tools[name]
	case PolicyBlacklist:
		return !m.tools[name]
	default:
		return false
	}
}

func (m *Approval) BeforeToolCall(ctx context.Context, ic *agent.InvocationContext, call protocol.ToolCall) (agent.InterceptionResult, error) {
	if !m.Requires(call.Name) {
		return agent.Continue(), nil
	}
	description := fmt.Sprintf("tool %s requires approval before it runs", call.Name)
	return agent.RequireApproval(call, description), nil
}
