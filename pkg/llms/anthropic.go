package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/weftworks/loom/pkg/httpclient"
	"github.com/weftworks/loom/pkg/protocol"
)

// AnthropicConfig configures the Anthropic Messages API adapter.
type AnthropicConfig struct {
	Model       string                `yaml:"model" json:"model"`
	APIKey      string                `yaml:"api_key" json:"api_key"`
	BaseURL     string                `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Version     string                `yaml:"version,omitempty" json:"version,omitempty"`
	Temperature *float64              `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int                   `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Timeout     int                   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries  int                   `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelay  int                   `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	TLS         *httpclient.TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

func (c *AnthropicConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.anthropic.com"
	}
	if c.Version == "" {
		c.Version = "2023-06-01"
	}
	if c.MaxTokens == 0 {
		// The Messages API requires max_tokens on every request.
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

func (c *AnthropicConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// Anthropic is a ChatModel speaking the Anthropic Messages API. The system
// prompt travels as a top-level field, tool traffic as content blocks.
type Anthropic struct {
	cfg        AnthropicConfig
	httpClient *httpclient.Client
	tracer     trace.Tracer
}

var _ ChatModel = (*Anthropic)(nil)

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anthropic configuration: %w", err)
	}

	base := &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	if cfg.TLS != nil {
		transport, err := httpclient.NewTransport(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("invalid TLS configuration: %w", err)
		}
		base.Transport = transport
	}

	return &Anthropic{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(base),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
		tracer: otel.Tracer("loom/llms"),
	}, nil
}

func (p *Anthropic) Model() string {
	return p.cfg.Model
}

// Wire types for the Messages API.

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type     string          `json:"type"`
		Text     string          `json:"text,omitempty"`
		Thinking string          `json:"thinking,omitempty"`
		ID       string          `json:"id,omitempty"`
		Name     string          `json:"name,omitempty"`
		Input    json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent covers every SSE event shape the Messages API emits;
// Type selects which fields are populated.
type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

func (p *Anthropic) Chat(ctx context.Context, messages []protocol.Message, opts *Options) (protocol.Message, error) {
	ctx, span := p.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", "anthropic"),
		attribute.String("llm.model", p.cfg.Model),
		attribute.Bool("llm.streaming", false),
	))
	defer span.End()

	resp, err := p.send(ctx, messages, opts, false)
	if err != nil {
		return protocol.Message{}, recordSpanError(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.Message{}, recordSpanError(span, p.errorFromResponse(resp))
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return protocol.Message{}, recordSpanError(span, parseError("anthropic", err))
	}

	var content, reasoning strings.Builder
	var calls []protocol.ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, protocol.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	total := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
	msg := protocol.NewAssistantMessage(content.String(), calls...).
		WithReasoning(reasoning.String()).
		WithUsage(total)

	span.SetAttributes(attribute.Int("llm.tokens.total", total))
	return msg, nil
}

func (p *Anthropic) ChatStream(ctx context.Context, messages []protocol.Message, opts *Options, handler StreamHandler) error {
	ctx, span := p.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", "anthropic"),
		attribute.String("llm.model", p.cfg.Model),
		attribute.Bool("llm.streaming", true),
	))
	defer span.End()

	resp, err := p.send(ctx, messages, opts, true)
	if err != nil {
		handler.OnError(err)
		return recordSpanError(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := p.errorFromResponse(resp)
		handler.OnError(err)
		return recordSpanError(span, err)
	}

	handler.OnStart()

	var content, reasoning strings.Builder
	blocks := make(map[int]*partialToolCall)
	var inputTokens, outputTokens int

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			modelErr := transportError("anthropic", fmt.Errorf("stream interrupted: %w", err))
			handler.OnError(modelErr)
			return recordSpanError(span, modelErr)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				inputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				blocks[event.Index] = &partialToolCall{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				content.WriteString(event.Delta.Text)
				handler.OnToken(event.Delta.Text)
			case "thinking_delta":
				reasoning.WriteString(event.Delta.Thinking)
			case "input_json_delta":
				if entry, ok := blocks[event.Index]; ok {
					entry.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if entry, ok := blocks[event.Index]; ok && entry.id != "" {
				args := entry.args.String()
				if args == "" {
					args = "{}"
				}
				handler.OnToolCall(protocol.ToolCall{ID: entry.id, Name: entry.name, Arguments: args})
			}

		case "message_delta":
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}

		case "error":
			if event.Error != nil {
				modelErr := classifyStatus("anthropic", resp.StatusCode, event.Error.Type, event.Error.Message)
				handler.OnError(modelErr)
				return recordSpanError(span, modelErr)
			}

		case "message_stop", "ping":
			// Nothing to collect.
		}
	}

	// Assemble tool calls in block order.
	indexes := make([]int, 0, len(blocks))
	for idx := range blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var calls []protocol.ToolCall
	for _, idx := range indexes {
		entry := blocks[idx]
		if entry.id == "" {
			continue
		}
		args := entry.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, protocol.ToolCall{ID: entry.id, Name: entry.name, Arguments: args})
	}

	total := inputTokens + outputTokens
	msg := protocol.NewAssistantMessage(content.String(), calls...).
		WithReasoning(reasoning.String()).
		WithUsage(total)

	span.SetAttributes(attribute.Int("llm.tokens.total", total))
	handler.OnCompletion(msg)
	return nil
}

func (p *Anthropic) send(ctx context.Context, messages []protocol.Message, opts *Options, stream bool) (*http.Response, error) {
	body, err := p.requestBody(messages, opts, stream)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, parseError("anthropic", fmt.Errorf("marshal request: %w", err))
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, transportError("anthropic", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", p.cfg.Version)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, transportError("anthropic", err)
	}
	return resp, nil
}

func (p *Anthropic) requestBody(messages []protocol.Message, opts *Options, stream bool) (map[string]any, error) {
	if opts == nil {
		opts = &Options{}
	}

	var system string
	var wire []anthropicMessage
	for _, msg := range messages {
		switch msg.Role {
		case protocol.RoleSystem:
			system = msg.Content

		case protocol.RoleHuman:
			wire = appendBlocks(wire, "user", anthropicBlock{Type: "text", Text: msg.Content})

		case protocol.RoleAssistant:
			var assistantBlocks []anthropicBlock
			if msg.Content != "" {
				assistantBlocks = append(assistantBlocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				assistantBlocks = append(assistantBlocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(assistantBlocks) == 0 {
				// The API rejects empty text blocks, so a blank assistant
				// turn is dropped rather than sent.
				continue
			}
			wire = appendBlocks(wire, "assistant", assistantBlocks...)

		case protocol.RoleTool:
			// Tool results travel as user-role blocks. appendBlocks folds
			// parallel results into one user turn, which the API requires.
			wire = appendBlocks(wire, "user", anthropicBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   msg.IsError,
			})

		default:
			return nil, parseError("anthropic", fmt.Errorf("unsupported message role: %q", msg.Role))
		}
	}

	maxTokens := p.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	body := map[string]any{
		"model":      p.cfg.Model,
		"max_tokens": maxTokens,
		"messages":   wire,
	}
	if system != "" {
		body["system"] = system
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	} else if p.cfg.Temperature != nil {
		body["temperature"] = *p.cfg.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if len(opts.StopSequences) > 0 {
		body["stop_sequences"] = opts.StopSequences
	}

	if len(opts.Tools) > 0 {
		tools := make([]map[string]any, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.Parameters,
			})
		}
		body["tools"] = tools
	}

	if stream {
		body["stream"] = true
	}

	for k, v := range opts.Extra {
		body[k] = v
	}
	return body, nil
}

// appendBlocks adds blocks to the last wire message when roles match,
// otherwise starts a new message. The API rejects consecutive messages with
// the same role.
func appendBlocks(wire []anthropicMessage, role string, blocks ...anthropicBlock) []anthropicMessage {
	if n := len(wire); n > 0 && wire[n-1].Role == role {
		wire[n-1].Content = append(wire[n-1].Content, blocks...)
		return wire
	}
	return append(wire, anthropicMessage{Role: role, Content: blocks})
}

func (p *Anthropic) errorFromResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope struct {
		Error *anthropicError `json:"error"`
	}
	apiType, message := "", strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		apiType = envelope.Error.Type
		message = envelope.Error.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return classifyStatus("anthropic", resp.StatusCode, apiType, message)
}
