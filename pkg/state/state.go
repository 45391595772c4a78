// Package state implements the immutable conversation state that flows
// through an agent invocation and persists across checkpoints.
//
// State is a value type. Every mutation returns a new State with the version
// incremented by one; the original is never touched, so callers can hold a
// reference across an invocation and diff afterwards.
package state

import (
	"encoding/json"
	"fmt"

	"github.com/weftworks/loom/pkg/protocol"
)

// State is an ordered message transcript plus a free-form data map.
//
// Data values are normalized through JSON at insertion time, which makes a
// state saved to a checkpoint and loaded back deep-equal to the original.
type State struct {
	Messages  []protocol.Message `json:"messages"`
	Data      map[string]any     `json:"data"`
	Version   int                `json:"version"`
	CreatedAt int64              `json:"created_at"`
}

// New returns an empty state at version 0.
func New() State {
	return State{CreatedAt: protocol.Timestamp()}
}

// NewWithSystem returns a state at version 0 whose only message is the given
// system prompt.
func NewWithSystem(systemPrompt string) State {
	return State{
		Messages:  []protocol.Message{protocol.NewSystemMessage(systemPrompt)},
		CreatedAt: protocol.Timestamp(),
	}
}

// WithMessage appends a message and returns the new state. The message must
// satisfy the transcript invariants: at most one system message and only at
// index 0, and tool messages must answer a tool call from an earlier
// assistant message.
func (s State) WithMessage(msg protocol.Message) (State, error) {
	if err := msg.Validate(); err != nil {
		return State{}, err
	}

	switch msg.Role {
	case protocol.RoleSystem:
		if len(s.Messages) > 0 {
			return State{}, fmt.Errorf("system message only allowed at position 0")
		}
	case protocol.RoleTool:
		if !s.hasToolCall(msg.ToolCallID) {
			return State{}, fmt.Errorf("tool message references unknown tool call id %q", msg.ToolCallID)
		}
	}

	messages := make([]protocol.Message, len(s.Messages)+1)
	copy(messages, s.Messages)
	messages[len(s.Messages)] = msg

	s.Messages = messages
	s.Version++
	return s, nil
}

// WithMessages replaces the transcript wholesale and returns the new state.
// Used by summarization, which rewrites history while keeping the data map.
func (s State) WithMessages(messages []protocol.Message) (State, error) {
	if err := validateTranscript(messages); err != nil {
		return State{}, err
	}

	var copied []protocol.Message
	if len(messages) > 0 {
		copied = make([]protocol.Message, len(messages))
		copy(copied, messages)
	}

	s.Messages = copied
	s.Version++
	return s, nil
}

// WithSystemPrompt sets or replaces the leading system message and returns
// the new state.
func (s State) WithSystemPrompt(prompt string) (State, error) {
	if prompt == "" {
		return State{}, fmt.Errorf("system prompt cannot be empty")
	}

	if len(s.Messages) > 0 && s.Messages[0].Role == protocol.RoleSystem {
		messages := make([]protocol.Message, len(s.Messages))
		copy(messages, s.Messages)
		head := messages[0]
		head.Content = prompt
		messages[0] = head
		s.Messages = messages
		s.Version++
		return s, nil
	}

	messages := make([]protocol.Message, 0, len(s.Messages)+1)
	messages = append(messages, protocol.NewSystemMessage(prompt))
	messages = append(messages, s.Messages...)
	s.Messages = messages
	s.Version++
	return s, nil
}

// WithData sets a data key and returns the new state. The value is
// round-tripped through JSON so non-serializable values fail here rather
// than at checkpoint time.
func (s State) WithData(key string, value any) (State, error) {
	if key == "" {
		return State{}, fmt.Errorf("data key cannot be empty")
	}

	normalized, err := normalizeValue(value)
	if err != nil {
		return State{}, fmt.Errorf("data value for key %q: %w", key, err)
	}

	data := make(map[string]any, len(s.Data)+1)
	for k, v := range s.Data {
		data[k] = v
	}
	data[key] = normalized

	s.Data = data
	s.Version++
	return s, nil
}

// Validate checks the full transcript against the state invariants.
func (s State) Validate() error {
	return validateTranscript(s.Messages)
}

// LastMessage returns the most recent message, if any.
func (s State) LastMessage() (protocol.Message, bool) {
	if len(s.Messages) == 0 {
		return protocol.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastAssistant returns the most recent assistant message, if any.
func (s State) LastAssistant() (protocol.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == protocol.RoleAssistant {
			return s.Messages[i], true
		}
	}
	return protocol.Message{}, false
}

// SystemPrompt returns the content of the leading system message, if present.
func (s State) SystemPrompt() (string, bool) {
	if len(s.Messages) > 0 && s.Messages[0].Role == protocol.RoleSystem {
		return s.Messages[0].Content, true
	}
	return "", false
}

// CountByRole returns how many messages carry the given role.
func (s State) CountByRole(role protocol.Role) int {
	n := 0
	for _, msg := range s.Messages {
		if msg.Role == role {
			n++
		}
	}
	return n
}

// AnsweredToolCalls returns the set of tool call ids that already have a
// tool message in the transcript.
func (s State) AnsweredToolCalls() map[string]bool {
	answered := make(map[string]bool)
	for _, msg := range s.Messages {
		if msg.Role == protocol.RoleTool {
			answered[msg.ToolCallID] = true
		}
	}
	return answered
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	if len(s.Messages) > 0 {
		messages := make([]protocol.Message, len(s.Messages))
		for i, msg := range s.Messages {
			messages[i] = msg.Clone()
		}
		s.Messages = messages
	}
	if s.Data != nil {
		// Data values are JSON-normalized, so a JSON round-trip is an
		// exact copy.
		raw, _ := json.Marshal(s.Data)
		data := make(map[string]any, len(s.Data))
		_ = json.Unmarshal(raw, &data)
		s.Data = data
	}
	return s
}

func (s State) hasToolCall(id string) bool {
	for _, msg := range s.Messages {
		if msg.Role != protocol.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.ID == id {
				return true
			}
		}
	}
	return false
}

func validateTranscript(messages []protocol.Message) error {
	callIDs := make(map[string]bool)
	for i, msg := range messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		switch msg.Role {
		case protocol.RoleSystem:
			if i != 0 {
				return fmt.Errorf("message %d: system message only allowed at position 0", i)
			}
		case protocol.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				callIDs[tc.ID] = true
			}
		case protocol.RoleTool:
			if !callIDs[msg.ToolCallID] {
				return fmt.Errorf("message %d: tool message references unknown tool call id %q", i, msg.ToolCallID)
			}
		}
	}
	return nil
}

func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("value does not round-trip through JSON: %w", err)
	}
	return normalized, nil
}
