// Package tokens counts model tokens for budgeting decisions such as
// when to summarize a conversation.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/weftworks/loom/pkg/protocol"
)

// Counter counts tokens with the encoding that matches a model. Unknown
// models fall back to cl100k_base, which is close enough for budgeting.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings load BPE tables from disk, so they are cached per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Model returns the model name the counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Count returns the token count for raw text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessage returns the token count for one message including its role
// and any tool calls. Tool call names and arguments ride along in the
// context window, so they count too.
func (c *Counter) CountMessage(msg protocol.Message) int {
	total := c.Count(string(msg.Role)) + c.Count(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += c.Count(tc.Name) + c.Count(tc.Arguments)
	}
	return total
}

// CountMessages returns the token count for a transcript, using the chat
// format overhead OpenAI documents: three tokens of framing per message
// plus three tokens priming the reply.
func (c *Counter) CountMessages(messages []protocol.Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage + c.CountMessage(msg)
	}
	return total + 3
}

// Estimate roughly approximates a token count without an encoding, at about
// four characters per token.
func Estimate(text string) int {
	return len(text) / 4
}
