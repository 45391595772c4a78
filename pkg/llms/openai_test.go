package llms

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/weftworks/loom/pkg/protocol"
)

// recordingHandler captures every stream event for assertions.
type recordingHandler struct {
	starts      int
	tokens      []string
	toolCalls   []protocol.ToolCall
	completions []protocol.Message
	errs        []error
}

func (h *recordingHandler) OnStart()                            { h.starts++ }
func (h *recordingHandler) OnToken(token string)                { h.tokens = append(h.tokens, token) }
func (h *recordingHandler) OnToolCall(call protocol.ToolCall)   { h.toolCalls = append(h.toolCalls, call) }
func (h *recordingHandler) OnCompletion(msg protocol.Message)   { h.completions = append(h.completions, msg) }
func (h *recordingHandler) OnError(err error)                   { h.errs = append(h.errs, err) }
func (h *recordingHandler) terminalEvents() int                 { return len(h.completions) + len(h.errs) }

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			_, _ = io.WriteString(w, line+"\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func newTestOpenAI(t *testing.T, baseURL string) *OpenAI {
	t.Helper()
	model, err := NewOpenAI(OpenAIConfig{
		Model:   "gpt-4o",
		APIKey:  "sk-test",
		BaseURL: baseURL,
		Timeout: 10,
	})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	return model
}

func conversation() []protocol.Message {
	return []protocol.Message{
		protocol.NewSystemMessage("You are a calculator."),
		protocol.NewHumanMessage("What is 2+2?"),
	}
}

func TestOpenAIChat(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "The answer is 4.",
					"tool_calls": [{"id":"call_1","type":"function","function":{"name":"add","arguments":"{\"a\":2,\"b\":2}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	model := newTestOpenAI(t, server.URL)
	opts := &Options{Tools: []ToolDefinition{{
		Name:        "add",
		Description: "Add two numbers",
		Parameters:  map[string]any{"type": "object"},
	}}}

	msg, err := model.Chat(context.Background(), conversation(), opts)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if msg.Role != protocol.RoleAssistant {
		t.Errorf("role = %q, want assistant", msg.Role)
	}
	if msg.Content != "The answer is 4." {
		t.Errorf("content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "add" || msg.ToolCalls[0].ID != "call_1" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
	if msg.UsageTokens != 15 {
		t.Errorf("usage = %d, want 15", msg.UsageTokens)
	}

	// The wire request maps roles and carries tool definitions.
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("wire model = %v", gotBody["model"])
	}
	messages := gotBody["messages"].([]any)
	first := messages[0].(map[string]any)
	second := messages[1].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("wire role[0] = %v, want system", first["role"])
	}
	if second["role"] != "user" {
		t.Errorf("wire role[1] = %v, want user (mapped from human)", second["role"])
	}
	tools := gotBody["tools"].([]any)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "add" {
		t.Errorf("wire tool name = %v", fn["name"])
	}
	if gotBody["tool_choice"] != "auto" {
		t.Errorf("wire tool_choice = %v, want auto", gotBody["tool_choice"])
	}
}

func TestOpenAIChatToolHistoryOnWire(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"412"},"finish_reason":"stop"}],"usage":{"total_tokens":8}}`)
	}))
	defer server.Close()

	messages := []protocol.Message{
		protocol.NewHumanMessage("add 125 and 287"),
		protocol.NewAssistantMessage("", protocol.ToolCall{ID: "call_9", Name: "add", Arguments: `{"a":125,"b":287}`}),
		protocol.NewToolMessage("call_9", "412"),
	}

	model := newTestOpenAI(t, server.URL)
	if _, err := model.Chat(context.Background(), messages, nil); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	wire := gotBody["messages"].([]any)
	if len(wire) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(wire))
	}
	assistant := wire[1].(map[string]any)
	calls := assistant["tool_calls"].([]any)
	call := calls[0].(map[string]any)
	if call["id"] != "call_9" || call["type"] != "function" {
		t.Errorf("wire tool call = %v", call)
	}
	toolMsg := wire[2].(map[string]any)
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_9" || toolMsg["content"] != "412" {
		t.Errorf("wire tool message = %v", toolMsg)
	}
}

func TestOpenAIChatStream(t *testing.T) {
	server := sseServer(t,
		`data: {"choices":[{"delta":{"content":"Let me "}}]}`,
		`data: {"choices":[{"delta":{"content":"compute."}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"add","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\":1,"}},{"index":1,"id":"call_b","function":{"name":"mul","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"b\":2}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`,
		`data: [DONE]`,
	)
	defer server.Close()

	model := newTestOpenAI(t, server.URL)
	handler := &recordingHandler{}

	err := model.ChatStream(context.Background(), conversation(), nil, handler)
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	if handler.starts != 1 {
		t.Errorf("OnStart calls = %d, want 1", handler.starts)
	}
	if len(handler.tokens) != 2 || handler.tokens[0] != "Let me " || handler.tokens[1] != "compute." {
		t.Errorf("tokens = %q", handler.tokens)
	}
	if handler.terminalEvents() != 1 || len(handler.completions) != 1 {
		t.Fatalf("terminal events: completions=%d errs=%d, want exactly one completion",
			len(handler.completions), len(handler.errs))
	}

	// call_b completes first (its arguments arrive whole); call_a fires
	// only once its fragments form valid JSON.
	if len(handler.toolCalls) != 2 {
		t.Fatalf("OnToolCall events = %d, want 2", len(handler.toolCalls))
	}
	if handler.toolCalls[0].ID != "call_b" {
		t.Errorf("first announced call = %s, want call_b", handler.toolCalls[0].ID)
	}
	if handler.toolCalls[1].ID != "call_a" || handler.toolCalls[1].Arguments != `{"a":1,"b":2}` {
		t.Errorf("second announced call = %+v", handler.toolCalls[1])
	}

	// The completed message orders calls by fragment index.
	msg := handler.completions[0]
	if msg.Content != "Let me compute." {
		t.Errorf("completion content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 2 || msg.ToolCalls[0].ID != "call_a" || msg.ToolCalls[1].ID != "call_b" {
		t.Errorf("completion tool calls = %+v", msg.ToolCalls)
	}
	if msg.UsageTokens != 30 {
		t.Errorf("completion usage = %d, want 30", msg.UsageTokens)
	}
}

func TestOpenAIChatStreamIgnoresNoise(t *testing.T) {
	server := sseServer(t,
		`: keep-alive`,
		`event: chunk`,
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`data: not json`,
		`data: [DONE]`,
	)
	defer server.Close()

	model := newTestOpenAI(t, server.URL)
	handler := &recordingHandler{}
	if err := model.ChatStream(context.Background(), conversation(), nil, handler); err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if len(handler.tokens) != 1 || handler.tokens[0] != "hi" {
		t.Errorf("tokens = %q, want just %q", handler.tokens, "hi")
	}
	if len(handler.completions) != 1 {
		t.Errorf("completions = %d, want 1", len(handler.completions))
	}
}

func TestOpenAIChatStreamErrorChunk(t *testing.T) {
	server := sseServer(t,
		`data: {"choices":[{"delta":{"content":"par"}}]}`,
		`data: {"error":{"message":"server exploded","type":"server_error"}}`,
	)
	defer server.Close()

	model := newTestOpenAI(t, server.URL)
	handler := &recordingHandler{}

	err := model.ChatStream(context.Background(), conversation(), nil, handler)
	if err == nil {
		t.Fatal("ChatStream() should fail on an error chunk")
	}
	if len(handler.errs) != 1 || len(handler.completions) != 0 {
		t.Errorf("terminal events: errs=%d completions=%d, want exactly one error",
			len(handler.errs), len(handler.completions))
	}
	if !errors.Is(err, handler.errs[0]) {
		t.Error("ChatStream return value should mirror the OnError event")
	}
}

func TestOpenAIAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer server.Close()

	model := newTestOpenAI(t, server.URL)
	_, err := model.Chat(context.Background(), conversation(), nil)
	if err == nil {
		t.Fatal("Chat() should fail on 401")
	}

	var modelErr *ModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("error type = %T, want *ModelError", err)
	}
	if modelErr.Code != ErrCodeAuth {
		t.Errorf("code = %s, want auth", modelErr.Code)
	}
	if modelErr.Retryable() {
		t.Error("auth errors must not be retryable")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retries)", got)
	}
}

func TestOpenAIContextTooLong(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"This model's maximum context length is 8192 tokens.","type":"invalid_request_error","code":"context_length_exceeded"}}`)
	}))
	defer server.Close()

	model := newTestOpenAI(t, server.URL)
	_, err := model.Chat(context.Background(), conversation(), nil)

	var modelErr *ModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("error type = %T, want *ModelError", err)
	}
	if modelErr.Code != ErrCodeContextTooLong {
		t.Errorf("code = %s, want context_too_long", modelErr.Code)
	}
}

func TestOpenAIRequestBodyExtras(t *testing.T) {
	model := newTestOpenAI(t, "http://localhost")
	body, err := model.requestBody(conversation(), &Options{
		Extra: map[string]any{"seed": 42},
	}, false)
	if err != nil {
		t.Fatalf("requestBody() error = %v", err)
	}
	if body["seed"] != 42 {
		t.Errorf("extras not merged: %v", body["seed"])
	}
	if _, ok := body["stream"]; ok {
		t.Error("stream flag set on a non-streaming request")
	}
}

func TestToolCallAssemblerOncePerID(t *testing.T) {
	assembler := newToolCallAssembler()

	if got := assembler.add(openAIToolCallDelta{Index: 0, ID: "call_x", Function: openAIFunctionCall{Name: "noop", Arguments: "{}"}}); got == nil {
		t.Fatal("complete fragment should announce the call")
	}
	// A duplicate trailing fragment must not announce again.
	if got := assembler.add(openAIToolCallDelta{Index: 0, Function: openAIFunctionCall{}}); got != nil {
		t.Error("call announced twice for the same id")
	}

	all, unannounced := assembler.finish()
	if len(all) != 1 {
		t.Errorf("assembled calls = %d, want 1", len(all))
	}
	if len(unannounced) != 0 {
		t.Errorf("unannounced calls = %d, want 0", len(unannounced))
	}
}
