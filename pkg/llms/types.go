// Package llms defines the ChatModel contract and its provider adapters.
//
// A ChatModel turns a message transcript into one assistant message. The
// framework never sees provider wire formats; adapters translate both ways
// and normalize errors into ModelError.
package llms

import (
	"context"

	"github.com/weftworks/loom/pkg/protocol"
)

// ToolDefinition describes one tool to the model: a name, a description,
// and a JSON Schema for its arguments.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options are per-call generation settings. Nil pointer fields fall back to
// the adapter's configured defaults. Extra carries provider-specific body
// fields verbatim and is applied last.
type Options struct {
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	Extra         map[string]any   `json:"extra,omitempty"`
}

// StreamHandler receives streaming events from ChatStream.
//
// Event order per stream: OnStart once, then any number of OnToken and
// OnToolCall events, then exactly one terminal event. The terminal event is
// OnCompletion with the fully assembled assistant message, or OnError, and
// ChatStream's return value mirrors it. OnToolCall fires at most once per
// tool call id, as soon as the call's accumulated arguments form valid JSON.
type StreamHandler interface {
	OnStart()
	OnToken(token string)
	OnToolCall(call protocol.ToolCall)
	OnCompletion(message protocol.Message)
	OnError(err error)
}

// StreamCallbacks adapts plain functions to StreamHandler. Nil fields are
// no-ops.
type StreamCallbacks struct {
	Start      func()
	Token      func(token string)
	ToolCall   func(call protocol.ToolCall)
	Completion func(message protocol.Message)
	Error      func(err error)
}

var _ StreamHandler = (*StreamCallbacks)(nil)

func (c *StreamCallbacks) OnStart() {
	if c.Start != nil {
		c.Start()
	}
}

func (c *StreamCallbacks) OnToken(token string) {
	if c.Token != nil {
		c.Token(token)
	}
}

func (c *StreamCallbacks) OnToolCall(call protocol.ToolCall) {
	if c.ToolCall != nil {
		c.ToolCall(call)
	}
}

func (c *StreamCallbacks) OnCompletion(message protocol.Message) {
	if c.Completion != nil {
		c.Completion(message)
	}
}

func (c *StreamCallbacks) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

// ChatModel is the contract every provider adapter implements.
//
// Chat returns the assistant message for the transcript. ChatStream delivers
// the same result incrementally through the handler; its error return equals
// the error passed to OnError, or nil after OnCompletion.
type ChatModel interface {
	Chat(ctx context.Context, messages []protocol.Message, opts *Options) (protocol.Message, error)
	ChatStream(ctx context.Context, messages []protocol.Message, opts *Options, handler StreamHandler) error
	Model() string
}
