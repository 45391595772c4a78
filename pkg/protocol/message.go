// Package protocol defines the message model shared by every part of the
// framework: the four conversation roles, tool calls, and tool results.
//
// Messages are immutable values. Constructors stamp each message with a
// strictly increasing creation timestamp, and the With* helpers return
// modified copies rather than mutating in place.
package protocol

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Role identifies the kind of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the four defined kinds.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleHuman, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is the model's request to invoke a named tool.
//
// Arguments holds the raw JSON string exactly as the model emitted it;
// parsing is the tool's concern. IDs are unique within one assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the framework's report back for one tool call.
type ToolResult struct {
	ToolCallID   string `json:"tool_call_id"`
	Content      string `json:"content"`
	IsError      bool   `json:"is_error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ToMessage converts the result into a tool-role message.
func (r ToolResult) ToMessage() Message {
	return Message{
		Role:         RoleTool,
		Content:      r.Content,
		ToolCallID:   r.ToolCallID,
		IsError:      r.IsError,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    Timestamp(),
	}
}

// Message is one conversation record. The populated fields depend on Role:
//
//   - system: Content
//   - human: Content, optional UserID
//   - assistant: Content (may be empty), ToolCalls, optional Reasoning and
//     UsageTokens
//   - tool: ToolCallID (matches a ToolCall.ID in the preceding assistant
//     message), Content, IsError, optional ErrorMessage
//
// CreatedAt is unix microseconds, strictly increasing across messages
// created in the same process.
type Message struct {
	Role         Role       `json:"role"`
	Content      string     `json:"content"`
	UserID       string     `json:"user_id,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
	UsageTokens  int        `json:"usage_tokens,omitempty"`
	ToolCallID   string     `json:"tool_call_id,omitempty"`
	IsError      bool       `json:"is_error,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    int64      `json:"created_at"`
}

// NewSystemMessage returns a system message carrying role instructions.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, CreatedAt: Timestamp()}
}

// NewHumanMessage returns a human (user) message.
func NewHumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content, CreatedAt: Timestamp()}
}

// NewAssistantMessage returns an assistant message with optional tool calls.
// The tool-call slice is copied so later changes to the argument do not leak
// into the message.
func NewAssistantMessage(content string, toolCalls ...ToolCall) Message {
	var calls []ToolCall
	if len(toolCalls) > 0 {
		calls = make([]ToolCall, len(toolCalls))
		copy(calls, toolCalls)
	}
	return Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		CreatedAt: Timestamp(),
	}
}

// NewToolMessage returns a tool-role message carrying the result content for
// the given tool call id.
func NewToolMessage(toolCallID, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		CreatedAt:  Timestamp(),
	}
}

// NewToolErrorMessage returns an error tool-role message. The model observes
// the error text and may adapt.
func NewToolErrorMessage(toolCallID, errorMessage string) Message {
	return Message{
		Role:         RoleTool,
		Content:      errorMessage,
		ToolCallID:   toolCallID,
		IsError:      true,
		ErrorMessage: errorMessage,
		CreatedAt:    Timestamp(),
	}
}

// WithUserID returns a copy with the user id set (human messages).
func (m Message) WithUserID(userID string) Message {
	m.UserID = userID
	return m
}

// WithReasoning returns a copy with the reasoning trace set (assistant
// messages).
func (m Message) WithReasoning(reasoning string) Message {
	m.Reasoning = reasoning
	return m
}

// WithUsage returns a copy with the reported token usage set (assistant
// messages).
func (m Message) WithUsage(tokens int) Message {
	m.UsageTokens = tokens
	return m
}

// HasToolCalls reports whether the message requests any tool invocations.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Validate checks the per-role field constraints.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	switch m.Role {
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message requires a tool_call_id")
		}
	case RoleAssistant:
		seen := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if tc.ID == "" {
				return fmt.Errorf("assistant tool call %q has an empty id", tc.Name)
			}
			if seen[tc.ID] {
				return fmt.Errorf("duplicate tool call id %q in assistant message", tc.ID)
			}
			seen[tc.ID] = true
		}
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if len(m.ToolCalls) > 0 {
		calls := make([]ToolCall, len(m.ToolCalls))
		copy(calls, m.ToolCalls)
		m.ToolCalls = calls
	}
	return m
}

// Time returns the creation timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMicro(m.CreatedAt)
}

// String renders a short human-readable form, useful in logs and tests.
func (m Message) String() string {
	if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
		names := make([]string, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			names[i] = tc.Name
		}
		data, _ := json.Marshal(names)
		return fmt.Sprintf("%s: %q tool_calls=%s", m.Role, m.Content, data)
	}
	return fmt.Sprintf("%s: %q", m.Role, m.Content)
}

var lastStamp atomic.Int64

// Timestamp returns the current time in unix microseconds, guaranteed to be
// strictly greater than any value previously returned in this process. The
// guarantee holds across goroutines.
func Timestamp() int64 {
	for {
		now := time.Now().UnixMicro()
		last := lastStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastStamp.CompareAndSwap(last, now) {
			return now
		}
	}
}
