package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/llms"
	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/tokens"
)

const (
	// DefaultSummarizationPriority runs compaction early, right after
	// logging, so every later hook sees the compacted transcript.
	DefaultSummarizationPriority = 10

	// DefaultTokenThreshold triggers compaction once the transcript
	// estimate crosses it.
	DefaultTokenThreshold = 6000

	// DefaultKeepRecent messages stay verbatim at the transcript tail.
	DefaultKeepRecent = 6

	// DefaultChunkSize bounds how many messages feed one summary call.
	DefaultChunkSize = 20
)

const summarySystemPrompt = `You are a conversation summarization assistant. Your task is to create a concise, accurate summary of the conversation below.

Requirements:
1. Preserve all key facts, decisions, and action items
2. Maintain the logical flow and context
3. Include important user preferences or requirements mentioned
4. Keep technical details that might be referenced later
5. Note any unresolved questions or pending tasks
6. Aim for 30-50% of the original length

Write the summary as a coherent narrative.`

const combineSystemPrompt = `You are a conversation summarization assistant. You will receive multiple summaries covering different parts of one long conversation. Combine them into a single coherent summary.

Preserve all key information from every summary while eliminating redundancy.`

// SummarizationConfig configures the summarization middleware.
type SummarizationConfig struct {
	// Model makes the auxiliary summary calls. Required.
	Model llms.ChatModel

	// CounterModel names the tokenizer used for budgeting. Defaults to the
	// summary model's id.
	CounterModel string

	// TokenThreshold is the transcript size that triggers compaction.
	TokenThreshold int

	// KeepRecent is how many trailing messages stay out of the summary.
	KeepRecent int

	// ChunkSize caps the messages per summary call; longer histories are
	// summarized in chunks and the chunk summaries combined.
	ChunkSize int

	Logger   *slog.Logger
	Priority int
}

// Summarization compacts the transcript before a model call once its token
// estimate exceeds the threshold. Older messages are replaced by a model
// written summary folded into the system message; the initial system prompt
// and the most recent messages survive verbatim. Compaction only commits
// when the result is strictly smaller than the original.
type Summarization struct {
	model      llms.ChatModel
	counter    *tokens.Counter
	threshold  int
	keepRecent int
	chunkSize  int
	logger     *slog.Logger
	priority   int
}

// NewSummarization builds the summarization middleware.
func NewSummarization(cfg SummarizationConfig) (*Summarization, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("summarization requires a model")
	}
	if cfg.CounterModel == "" {
		cfg.CounterModel = cfg.Model.Model()
	}
	counter, err := tokens.NewCounter(cfg.CounterModel)
	if err != nil {
		return nil, fmt.Errorf("building token counter: %w", err)
	}

	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = DefaultTokenThreshold
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultSummarizationPriority
	}

	return &Summarization{
		model:      cfg.Model,
		counter:    counter,
		threshold:  cfg.TokenThreshold,
		keepRecent: cfg.KeepRecent,
		chunkSize:  cfg.ChunkSize,
		logger:     cfg.Logger,
		priority:   cfg.Priority,
	}, nil
}

func (m *Summarization) Name() string  { return "summarization" }
func (m *Summarization) Priority() int { return m.priority }

func (m *Summarization) BeforeInvoke(ctx context.Context, ic *agent.InvocationContext) error {
	st := ic.State()
	before := m.counter.CountMessages(st.Messages)
	if before <= m.threshold {
		return nil
	}

	head, old, recent := m.split(st.Messages)
	if len(old) == 0 {
		return nil
	}

	summary, err := m.summarize(ctx, old)
	if err != nil {
		return fmt.Errorf("summarizing %d messages: %w", len(old), err)
	}

	prompt := "Previous conversation summary:\n\n" + summary
	if head != "" {
		prompt = head + "\n\n" + prompt
	}

	compacted := make([]protocol.Message, 0, len(recent)+1)
	compacted = append(compacted, protocol.NewSystemMessage(prompt))
	compacted = append(compacted, recent...)

	after := m.counter.CountMessages(compacted)
	if after >= before {
		m.logger.Warn("summary did not shrink the transcript, keeping original",
			"before_tokens", before,
			"after_tokens", after)
		return nil
	}

	updated, err := st.WithMessages(compacted)
	if err != nil {
		return fmt.Errorf("replacing transcript with summary: %w", err)
	}
	ic.ReplaceState(updated)

	m.logger.Info("conversation summarized",
		"summarized_messages", len(old),
		"kept_messages", len(recent),
		"before_tokens", before,
		"after_tokens", after)
	return nil
}

// split partitions the transcript into the system prompt content, the
// messages to summarize, and the recent tail to keep. The cut never lands
// between an assistant's tool calls and their results; a kept tool message
// without its call would corrupt the transcript.
func (m *Summarization) split(messages []protocol.Message) (string, []protocol.Message, []protocol.Message) {
	head := ""
	body := messages
	if len(body) > 0 && body[0].Role == protocol.RoleSystem {
		head = body[0].Content
		body = body[1:]
	}

	if len(body) <= m.keepRecent {
		return head, nil, body
	}

	cut := len(body) - m.keepRecent
	for cut < len(body) && body[cut].Role == protocol.RoleTool {
		cut++
	}

	return head, body[:cut], body[cut:]
}

// summarize turns the given messages into one summary, chunking when the
// span exceeds the chunk size.
func (m *Summarization) summarize(ctx context.Context, messages []protocol.Message) (string, error) {
	if len(messages) <= m.chunkSize {
		return m.summarizeChunk(ctx, messages)
	}

	var parts []string
	for start := 0; start < len(messages); start += m.chunkSize {
		end := min(start+m.chunkSize, len(messages))
		part, err := m.summarizeChunk(ctx, messages[start:end])
		if err != nil {
			return "", fmt.Errorf("chunk %d: %w", start/m.chunkSize, err)
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return m.combine(ctx, parts)
}

func (m *Summarization) summarizeChunk(ctx context.Context, messages []protocol.Message) (string, error) {
	userPrompt := fmt.Sprintf(
		"Please summarize this conversation:\n\n%s\nProvide a summary that preserves all important context:",
		formatConversation(messages))

	return m.ask(ctx, summarySystemPrompt, userPrompt)
}

func (m *Summarization) combine(ctx context.Context, parts []string) (string, error) {
	userPrompt := fmt.Sprintf(
		"Please combine these conversation summaries into one comprehensive summary:\n\n%s\n\nProvide a unified summary:",
		strings.Join(parts, "\n\n---\n\n"))

	return m.ask(ctx, combineSystemPrompt, userPrompt)
}

func (m *Summarization) ask(ctx context.Context, system, user string) (string, error) {
	reply, err := m.model.Chat(ctx, []protocol.Message{
		protocol.NewSystemMessage(system),
		protocol.NewHumanMessage(user),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summary model call: %w", err)
	}

	summary := strings.TrimSpace(reply.Content)
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}

// formatConversation renders messages as readable "Role: content" lines for
// the summary prompt. Tool calls are inlined so the summary can mention what
// the assistant did, not just what it said.
func formatConversation(messages []protocol.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		role := string(msg.Role)
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		content := msg.Content
		for _, call := range msg.ToolCalls {
			content += fmt.Sprintf(" [called %s(%s)]", call.Name, call.Arguments)
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", role, strings.TrimSpace(content))
	}
	return sb.String()
}
