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
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weftworks/loom/pkg/httpclient"
	"github.com/weftworks/loom/pkg/protocol"
)

// OpenAIConfig configures the OpenAI-compatible adapter. BaseURL may point
// at any endpoint that speaks the chat completions protocol (OpenAI, vLLM,
// LiteLLM, Together, and so on).
type OpenAIConfig struct {
	Model       string                `yaml:"model" json:"model"`
	APIKey      string                `yaml:"api_key" json:"api_key"`
	BaseURL     string                `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Temperature *float64              `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int                   `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Timeout     int                   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries  int                   `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelay  int                   `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	TLS         *httpclient.TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

func (c *OpenAIConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
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

func (c *OpenAIConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// OpenAI is a ChatModel speaking the OpenAI chat completions protocol,
// including its SSE streaming dialect.
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *httpclient.Client
	tracer     trace.Tracer
}

var _ ChatModel = (*OpenAI)(nil)

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid openai configuration: %w", err)
	}

	base := &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	if cfg.TLS != nil {
		transport, err := httpclient.NewTransport(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("invalid TLS configuration: %w", err)
		}
		base.Transport = transport
	}

	return &OpenAI{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(base),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		tracer: otel.Tracer("loom/llms"),
	}, nil
}

func (p *OpenAI) Model() string {
	return p.cfg.Model
}

// Wire types for the chat completions protocol.

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Reasoning  string           `json:"reasoning,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta        openAIDelta `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIDelta struct {
	Content   string                `json:"content,omitempty"`
	Reasoning string                `json:"reasoning,omitempty"`
	ToolCalls []openAIToolCallDelta `json:"tool_calls,omitempty"`
}

// openAIToolCallDelta is one streamed tool call fragment. Index identifies
// which call the fragment belongs to; id and name arrive on the first
// fragment, arguments accrete across fragments.
type openAIToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (p *OpenAI) Chat(ctx context.Context, messages []protocol.Message, opts *Options) (protocol.Message, error) {
	ctx, span := p.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", "openai"),
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

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return protocol.Message{}, recordSpanError(span, parseError("openai", err))
	}
	if parsed.Error != nil {
		return protocol.Message{}, recordSpanError(span,
			classifyStatus("openai", resp.StatusCode, parsed.Error.Code, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return protocol.Message{}, recordSpanError(span,
			parseError("openai", fmt.Errorf("response contains no choices")))
	}

	wire := parsed.Choices[0].Message
	calls := make([]protocol.ToolCall, 0, len(wire.ToolCalls))
	for _, tc := range wire.ToolCalls {
		calls = append(calls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	msg := protocol.NewAssistantMessage(wire.Content, calls...).
		WithReasoning(wire.Reasoning).
		WithUsage(parsed.Usage.TotalTokens)

	span.SetAttributes(attribute.Int("llm.tokens.total", parsed.Usage.TotalTokens))
	return msg, nil
}

func (p *OpenAI) ChatStream(ctx context.Context, messages []protocol.Message, opts *Options, handler StreamHandler) error {
	ctx, span := p.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", "openai"),
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
	assembler := newToolCallAssembler()
	totalTokens := 0

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
			modelErr := transportError("openai", fmt.Errorf("stream interrupted: %w", err))
			handler.OnError(modelErr)
			return recordSpanError(span, modelErr)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Keep-alive noise and vendor extensions are not fatal.
			continue
		}

		if chunk.Error != nil {
			modelErr := classifyStatus("openai", resp.StatusCode, chunk.Error.Code, chunk.Error.Message)
			handler.OnError(modelErr)
			return recordSpanError(span, modelErr)
		}
		if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
			totalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			handler.OnToken(delta.Content)
		}
		if delta.Reasoning != "" {
			reasoning.WriteString(delta.Reasoning)
		}
		for _, frag := range delta.ToolCalls {
			if ready := assembler.add(frag); ready != nil {
				handler.OnToolCall(*ready)
			}
		}
	}

	calls, unannounced := assembler.finish()
	for _, tc := range unannounced {
		handler.OnToolCall(tc)
	}

	msg := protocol.NewAssistantMessage(content.String(), calls...).
		WithReasoning(reasoning.String()).
		WithUsage(totalTokens)

	span.SetAttributes(attribute.Int("llm.tokens.total", totalTokens))
	handler.OnCompletion(msg)
	return nil
}

// send builds and executes one chat completions request.
func (p *OpenAI) send(ctx context.Context, messages []protocol.Message, opts *Options, stream bool) (*http.Response, error) {
	body, err := p.requestBody(messages, opts, stream)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, parseError("openai", fmt.Errorf("marshal request: %w", err))
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, transportError("openai", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, transportError("openai", err)
	}
	return resp, nil
}

func (p *OpenAI) requestBody(messages []protocol.Message, opts *Options, stream bool) (map[string]any, error) {
	if opts == nil {
		opts = &Options{}
	}

	wire := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		m := openAIMessage{Content: msg.Content}
		switch msg.Role {
		case protocol.RoleSystem:
			m.Role = "system"
		case protocol.RoleHuman:
			m.Role = "user"
		case protocol.RoleAssistant:
			m.Role = "assistant"
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case protocol.RoleTool:
			m.Role = "tool"
			m.ToolCallID = msg.ToolCallID
		default:
			return nil, parseError("openai", fmt.Errorf("unsupported message role: %q", msg.Role))
		}
		wire = append(wire, m)
	}

	body := map[string]any{
		"model":    p.cfg.Model,
		"messages": wire,
	}

	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	} else if p.cfg.Temperature != nil {
		body["temperature"] = *p.cfg.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	} else if p.cfg.MaxTokens > 0 {
		body["max_tokens"] = p.cfg.MaxTokens
	}
	if len(opts.StopSequences) > 0 {
		body["stop"] = opts.StopSequences
	}

	if len(opts.Tools) > 0 {
		tools := make([]map[string]any, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}

	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	for k, v := range opts.Extra {
		body[k] = v
	}
	return body, nil
}

// errorFromResponse drains a non-2xx response and classifies it.
func (p *OpenAI) errorFromResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope struct {
		Error *openAIError `json:"error"`
	}
	apiCode, message := "", strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		apiCode = envelope.Error.Code
		message = envelope.Error.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return classifyStatus("openai", resp.StatusCode, apiCode, message)
}

// toolCallAssembler merges streamed tool call fragments. Fragments carry the
// index of the call they extend; the assembler keeps per-index buffers and
// reports each call exactly once, as soon as its arguments form valid JSON.
type toolCallAssembler struct {
	calls map[int]*partialToolCall
	fired map[string]bool
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{
		calls: make(map[int]*partialToolCall),
		fired: make(map[string]bool),
	}
}

// add merges a fragment and, when the call just became complete, returns it
// for announcement.
func (a *toolCallAssembler) add(frag openAIToolCallDelta) *protocol.ToolCall {
	entry, ok := a.calls[frag.Index]
	if !ok {
		entry = &partialToolCall{}
		a.calls[frag.Index] = entry
	}
	if frag.ID != "" {
		entry.id = frag.ID
	}
	if frag.Function.Name != "" {
		entry.name = frag.Function.Name
	}
	entry.args.WriteString(frag.Function.Arguments)

	if entry.id == "" || entry.name == "" || a.fired[entry.id] {
		return nil
	}
	args := entry.args.String()
	if args == "" || !json.Valid([]byte(args)) {
		return nil
	}
	a.fired[entry.id] = true
	return &protocol.ToolCall{ID: entry.id, Name: entry.name, Arguments: args}
}

// finish returns all assembled calls ordered by fragment index, plus the
// subset that was never announced mid-stream (arguments that only became
// complete, or never did, by end of stream).
func (a *toolCallAssembler) finish() (all, unannounced []protocol.ToolCall) {
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		entry := a.calls[idx]
		if entry.id == "" {
			continue
		}
		call := protocol.ToolCall{ID: entry.id, Name: entry.name, Arguments: entry.args.String()}
		all = append(all, call)
		if !a.fired[entry.id] {
			a.fired[entry.id] = true
			unannounced = append(unannounced, call)
		}
	}
	return all, unannounced
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
