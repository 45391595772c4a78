package llms

import (
	"errors"
	"fmt"
	"testing"

	"github.com/weftworks/loom/pkg/protocol"
)

func TestStreamCallbacksNilSafe(t *testing.T) {
	// Every hook left nil must be a no-op rather than a panic.
	var cb StreamCallbacks
	cb.OnStart()
	cb.OnToken("hi")
	cb.OnToolCall(protocol.ToolCall{ID: "x"})
	cb.OnCompletion(protocol.NewAssistantMessage("done"))
	cb.OnError(errors.New("boom"))
}

func TestStreamCallbacksDispatch(t *testing.T) {
	var tokens []string
	var completed bool
	cb := StreamCallbacks{
		Token:      func(tok string) { tokens = append(tokens, tok) },
		Completion: func(protocol.Message) { completed = true },
	}
	cb.OnToken("a")
	cb.OnToken("b")
	cb.OnCompletion(protocol.Message{})

	if len(tokens) != 2 || tokens[0] != "a" {
		t.Errorf("tokens = %q", tokens)
	}
	if !completed {
		t.Error("completion hook not dispatched")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		apiCode string
		message string
		want    ErrorCode
	}{
		{"unauthorized", 401, "invalid_api_key", "bad key", ErrCodeAuth},
		{"forbidden", 403, "", "no access", ErrCodeAuth},
		{"rate limited", 429, "rate_limit_exceeded", "slow down", ErrCodeTransport},
		{"server error", 500, "", "oops", ErrCodeTransport},
		{"bad gateway", 502, "", "oops", ErrCodeTransport},
		{"overloaded", 503, "overloaded_error", "busy", ErrCodeTransport},
		{"context code", 400, "context_length_exceeded", "too long", ErrCodeContextTooLong},
		{"context phrase", 400, "", "This model's maximum context length is 8192 tokens", ErrCodeContextTooLong},
		{"anthropic phrase", 400, "invalid_request_error", "prompt is too long: 210000 tokens", ErrCodeContextTooLong},
		{"plain bad request", 400, "invalid_request_error", "missing field", ErrCodeProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus("openai", tt.status, tt.apiCode, tt.message)
			var modelErr *ModelError
			if !errors.As(err, &modelErr) {
				t.Fatalf("error type = %T", err)
			}
			if modelErr.Code != tt.want {
				t.Errorf("code = %s, want %s", modelErr.Code, tt.want)
			}
			if modelErr.Status != tt.status {
				t.Errorf("status = %d, want %d", modelErr.Status, tt.status)
			}
		})
	}
}

func TestModelErrorRetryable(t *testing.T) {
	if !transportError("openai", errors.New("conn reset")).Retryable() {
		t.Error("transport errors should be retryable")
	}
	if classifyStatus("openai", 401, "", "no").Retryable() {
		t.Error("auth errors should not be retryable")
	}
	if parseError("openai", errors.New("bad json")).Retryable() {
		t.Error("parse errors should not be retryable")
	}
}

func TestModelErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := transportError("anthropic", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
}
