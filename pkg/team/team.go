// Package team coordinates multiple agents on one conversation. A
// Coordinator owns a set of named nodes and a routing strategy; each hop runs
// one node's agent against the accumulated state, then asks the strategy
// whether another node should continue. The default strategy reads handoff
// markers out of the node's own response; the supervisor strategy asks an
// auxiliary model to pick the next node.
package team

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/weftworks/loom/pkg/agent"
)

// DefaultMaxHandoffs bounds the node runs of one coordinator invocation.
const DefaultMaxHandoffs = 5

var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Node is one member of a team: an agent plus the metadata routing works
// with. Description is what a supervisor model reads when it picks the next
// node, so it should say what the agent is for, not how it works.
type Node struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Priority orders nodes when they are listed for routing; higher comes
	// first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// CanReturnResult marks nodes whose responses may end the run. When no
	// node in the team sets it, every node may.
	CanReturnResult bool `json:"can_return_result,omitempty" yaml:"can_return_result,omitempty"`

	Agent *agent.Agent `json:"-" yaml:"-"`
}

// Coordinator routes one conversation across a team of agents.
type Coordinator struct {
	nodes          map[string]Node
	order          []Node
	entryPoint     string
	maxHandoffs    int
	strategy       Strategy
	enforceReturns bool
	logger         *slog.Logger
	tracer         trace.Tracer
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithMaxHandoffs overrides the node run budget of one invocation.
func WithMaxHandoffs(n int) Option {
	return func(c *Coordinator) { c.maxHandoffs = n }
}

// WithStrategy overrides the default marker strategy.
func WithStrategy(s Strategy) Option {
	return func(c *Coordinator) { c.strategy = s }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New builds a Coordinator over the given nodes. The entry point must name
// one of them.
func New(entryPoint string, nodes []Node, opts ...Option) (*Coordinator, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("team requires at least one node")
	}

	c := &Coordinator{
		nodes:       make(map[string]Node, len(nodes)),
		order:       make([]Node, 0, len(nodes)),
		entryPoint:  entryPoint,
		maxHandoffs: DefaultMaxHandoffs,
		tracer:      otel.Tracer("loom/team"),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, node := range nodes {
		if !nodeNamePattern.MatchString(node.Name) {
			return nil, fmt.Errorf("invalid node name %q", node.Name)
		}
		if node.Agent == nil {
			return nil, fmt.Errorf("node %s has no agent", node.Name)
		}
		if _, dup := c.nodes[node.Name]; dup {
			return nil, fmt.Errorf("duplicate node name %q", node.Name)
		}
		c.nodes[node.Name] = node
		c.order = append(c.order, node)
		if node.CanReturnResult {
			c.enforceReturns = true
		}
	}
	if _, ok := c.nodes[entryPoint]; !ok {
		return nil, fmt.Errorf("entry point %q is not a registered node", entryPoint)
	}
	if c.maxHandoffs < 1 {
		return nil, fmt.Errorf("max handoffs must be at least 1")
	}

	sort.SliceStable(c.order, func(i, j int) bool {
		return c.order[i].Priority > c.order[j].Priority
	})

	if c.strategy == nil {
		c.strategy = NewMarkerStrategy()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Node returns the named node. Callers resume an interrupted run through the
// owning node's agent.
func (c *Coordinator) Node(name string) (Node, bool) {
	node, ok := c.nodes[name]
	return node, ok
}

// Names returns the node names in routing order.
func (c *Coordinator) Names() []string {
	names := make([]string, len(c.order))
	for i, node := range c.order {
		names[i] = node.Name
	}
	return names
}

// Response is the coordinator's result: the final node's response plus the
// route that produced it. Hops counts node runs, so a conversation that never
// hands off reports one.
type Response struct {
	agent.Response

	Node string   `json:"node"`
	Hops int      `json:"hops"`
	Path []string `json:"path"`
}

// Invoke runs the conversation starting at the entry point and follows the
// strategy's handoffs until a node's response stands as the final answer, a
// node suspends for approval, or the handoff budget runs out.
//
// Every hop forwards the full accumulated state, with the head system message
// swapped for the next node's own prompt. The handoff budget path returns the
// last response unchanged with the reason in the Error field.
func (c *Coordinator) Invoke(ctx context.Context, req *agent.Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}

	ctx, span := c.tracer.Start(ctx, "team.invoke", trace.WithAttributes(
		attribute.String("team.entry", c.entryPoint),
	))
	defer span.End()

	node := c.nodes[c.entryPoint]
	input := req.Input
	snapshot := req.State
	path := make([]string, 0, c.maxHandoffs)

	for hop := 1; ; hop++ {
		subReq := &agent.Request{
			Input:      input,
			ThreadID:   req.ThreadID,
			UserID:     req.UserID,
			SessionID:  req.SessionID,
			Parameters: req.Parameters,
			State:      snapshot,
		}
		// Each node speaks under its own system prompt; the forwarded
		// transcript still carries the previous node's.
		if snapshot != nil {
			if prompt := node.Agent.Config().SystemPrompt; prompt != "" {
				adjusted, err := snapshot.WithSystemPrompt(prompt)
				if err != nil {
					return nil, fmt.Errorf("node %s: %w", node.Name, err)
				}
				subReq.State = &adjusted
			}
		}

		resp, err := node.Agent.Invoke(ctx, subReq)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.Name, err)
		}
		path = append(path, node.Name)

		c.logger.Info("node responded",
			"node", node.Name,
			"hop", hop,
			"iterations", resp.Iterations)

		if resp.Interrupted() {
			// The run parks inside this node; the caller resumes through the
			// node's agent and can re-enter the coordinator with the resumed
			// state.
			return c.result(resp, node.Name, hop, path), nil
		}

		handoff, err := c.strategy.Route(ctx, node, resp, c.order)
		if err != nil {
			return nil, fmt.Errorf("routing after node %s: %w", node.Name, err)
		}
		if handoff == nil {
			if c.enforceReturns && !node.CanReturnResult {
				c.logger.Warn("terminal response from a node not marked to return results",
					"node", node.Name)
			}
			return c.result(resp, node.Name, hop, path), nil
		}

		next, ok := c.nodes[handoff.Target]
		if !ok {
			c.logger.Warn("handoff to unknown node",
				"node", node.Name,
				"target", handoff.Target)
			return c.result(resp, node.Name, hop, path), nil
		}

		if hop >= c.maxHandoffs {
			c.logger.Warn("handoff limit reached",
				"limit", c.maxHandoffs,
				"target", handoff.Target)
			out := c.result(resp, node.Name, hop, path)
			out.Error = fmt.Sprintf("handoff limit reached (%d)", c.maxHandoffs)
			return out, nil
		}

		// The marker text stays in the transcript; only the visible output
		// of the hop is cleaned.
		resp.Output = handoff.Output

		c.logger.Info("handing off",
			"from", node.Name,
			"to", next.Name,
			"hop", hop)

		st := resp.State
		snapshot = &st
		input = handoff.Input
		node = next
	}
}

func (c *Coordinator) result(resp *agent.Response, node string, hops int, path []string) *Response {
	return &Response{Response: *resp, Node: node, Hops: hops, Path: path}
}
