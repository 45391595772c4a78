package team

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/llms"
	"github.com/weftworks/loom/pkg/protocol"
)

// Handoff is a strategy's decision to keep the conversation going. Target
// names the next node, Input is the message it starts from (empty continues
// from the transcript alone) and Output is the current response's visible
// text after routing, with any marker stripped.
type Handoff struct {
	Target string
	Input  string
	Output string
}

// Strategy decides where the conversation goes after a node responds. A nil
// handoff ends the run with the current response.
type Strategy interface {
	Route(ctx context.Context, from Node, resp *agent.Response, nodes []Node) (*Handoff, error)
}

// Handoff markers a node may emit anywhere in its response. The keyword is
// case-insensitive; node names are not.
//
//	HANDOFF:coder:now write the parser
//	[HANDOFF coder] now write the parser
var (
	colonMarker   = regexp.MustCompile(`(?i)\bHANDOFF:([A-Za-z0-9_-]+):`)
	bracketMarker = regexp.MustCompile(`(?i)\[HANDOFF +([A-Za-z0-9_-]+)\] *`)
)

// MarkerStrategy routes on handoff markers embedded in the node's own
// response text. Everything after the marker is the message for the target;
// everything before it remains the hop's visible output.
type MarkerStrategy struct{}

// NewMarkerStrategy returns the default routing strategy.
func NewMarkerStrategy() *MarkerStrategy {
	return &MarkerStrategy{}
}

// Route implements Strategy.
func (s *MarkerStrategy) Route(_ context.Context, _ Node, resp *agent.Response, _ []Node) (*Handoff, error) {
	target, message, cleaned, ok := parseMarker(resp.Output)
	if !ok {
		return nil, nil
	}
	return &Handoff{Target: target, Input: message, Output: cleaned}, nil
}

// parseMarker finds the first handoff marker in either syntax. The marker and
// everything after it belong to the routed message; the text before it is the
// cleaned output.
func parseMarker(output string) (target, message, cleaned string, ok bool) {
	loc := colonMarker.FindStringSubmatchIndex(output)
	if bracket := bracketMarker.FindStringSubmatchIndex(output); bracket != nil {
		if loc == nil || bracket[0] < loc[0] {
			loc = bracket
		}
	}
	if loc == nil {
		return "", "", output, false
	}

	target = output[loc[2]:loc[3]]
	message = strings.TrimSpace(output[loc[1]:])
	cleaned = strings.TrimSpace(output[:loc[0]])
	return target, message, cleaned, true
}

// supervisorFinal is the token the routing model answers with when the latest
// response settles the task.
const supervisorFinal = "FINAL"

// DefaultSupervisorExcerpt is how many trailing messages the routing model
// sees of the conversation.
const DefaultSupervisorExcerpt = 20

// SupervisorConfig configures a SupervisorStrategy.
type SupervisorConfig struct {
	// Model is the auxiliary chat model that picks the next node. Required.
	Model llms.ChatModel

	// Instructions is extra guidance appended to the routing prompt.
	Instructions string

	// Excerpt bounds the conversation excerpt shown to the model. Zero means
	// DefaultSupervisorExcerpt.
	Excerpt int
}

// SupervisorStrategy asks an auxiliary model to route: after every node run
// it sees the node descriptions and a conversation excerpt and answers with
// the next node's name, or FINAL to end the run. The routed node continues
// from the accumulated transcript; no new input message is fabricated.
type SupervisorStrategy struct {
	model        llms.ChatModel
	instructions string
	excerpt      int
}

// NewSupervisor builds a supervisor strategy around the given model.
func NewSupervisor(cfg SupervisorConfig) (*SupervisorStrategy, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("supervisor strategy requires a model")
	}
	if cfg.Excerpt == 0 {
		cfg.Excerpt = DefaultSupervisorExcerpt
	}
	if cfg.Excerpt < 0 {
		return nil, fmt.Errorf("excerpt cannot be negative")
	}
	return &SupervisorStrategy{
		model:        cfg.Model,
		instructions: cfg.Instructions,
		excerpt:      cfg.Excerpt,
	}, nil
}

// Route implements Strategy.
func (s *SupervisorStrategy) Route(ctx context.Context, from Node, resp *agent.Response, nodes []Node) (*Handoff, error) {
	reply, err := s.model.Chat(ctx, []protocol.Message{
		protocol.NewSystemMessage(s.systemPrompt(nodes)),
		protocol.NewHumanMessage(s.userPrompt(from, resp)),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("supervisor model call: %w", err)
	}

	target, final := s.decide(reply.Content, nodes)
	if final || target == "" {
		return nil, nil
	}
	return &Handoff{Target: target, Output: resp.Output}, nil
}

func (s *SupervisorStrategy) systemPrompt(nodes []Node) string {
	var sb strings.Builder
	sb.WriteString("You are the routing supervisor for a team of agents. ")
	sb.WriteString("After each agent response, decide which agent should act next or whether the task is complete.\n\n")

	sb.WriteString("Agents:\n")
	for _, node := range nodes {
		fmt.Fprintf(&sb, "- %s: %s\n", node.Name, node.Description)
	}

	sb.WriteString("\nRespond with JSON: {\"next\": \"<agent-name>\"} to hand the conversation to an agent, ")
	fmt.Fprintf(&sb, "or {\"next\": %q} when the latest response completes the task.", supervisorFinal)

	if s.instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(s.instructions)
	}
	return sb.String()
}

func (s *SupervisorStrategy) userPrompt(from Node, resp *agent.Response) string {
	var sb strings.Builder
	sb.WriteString("Conversation so far:\n\n")
	sb.WriteString(formatExcerpt(resp.State.Messages, s.excerpt))
	fmt.Fprintf(&sb, "\nLatest response from %s:\n\n%s\n\nWho should act next?", from.Name, resp.Output)
	return sb.String()
}

// decide parses the routing reply: a {"next": ...} object first, with or
// without code fences, then a bare-token scan over the text. Anything
// unrecognizable ends the run.
func (s *SupervisorStrategy) decide(reply string, nodes []Node) (target string, final bool) {
	cleaned := stripFences(reply)

	var decision struct {
		Next string `json:"next"`
	}
	candidate := cleaned
	if start, end := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}"); start >= 0 && end > start {
		candidate = candidate[start : end+1]
	}
	if err := json.Unmarshal([]byte(candidate), &decision); err == nil && decision.Next != "" {
		if strings.EqualFold(decision.Next, supervisorFinal) {
			return "", true
		}
		if name, ok := matchNode(decision.Next, nodes); ok {
			return name, false
		}
	}

	for _, token := range strings.Fields(cleaned) {
		token = strings.Trim(token, ".,:;!?\"'`()[]{}")
		if strings.EqualFold(token, supervisorFinal) {
			return "", true
		}
		if name, ok := matchNode(token, nodes); ok {
			return name, false
		}
	}
	return "", true
}

// matchNode resolves a model-produced name to a registered node, tolerating
// case drift.
func matchNode(name string, nodes []Node) (string, bool) {
	for _, node := range nodes {
		if strings.EqualFold(node.Name, name) {
			return node.Name, true
		}
	}
	return "", false
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// formatExcerpt renders the trailing messages as "role: content" lines for
// the routing prompt.
func formatExcerpt(messages []protocol.Message, limit int) string {
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}

	var sb strings.Builder
	for _, msg := range messages[start:] {
		content := msg.Content
		for _, call := range msg.ToolCalls {
			content += fmt.Sprintf(" [called %s]", call.Name)
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, strings.TrimSpace(content))
	}
	return sb.String()
}
