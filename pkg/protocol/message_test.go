package protocol

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	t.Run("system", func(t *testing.T) {
		msg := NewSystemMessage("You are helpful.")
		assert.Equal(t, RoleSystem, msg.Role)
		assert.Equal(t, "You are helpful.", msg.Content)
		assert.NotZero(t, msg.CreatedAt)
	})

	t.Run("human", func(t *testing.T) {
		msg := NewHumanMessage("What is 2+2?").WithUserID("user-1")
		assert.Equal(t, RoleHuman, msg.Role)
		assert.Equal(t, "user-1", msg.UserID)
	})

	t.Run("assistant with tool calls", func(t *testing.T) {
		msg := NewAssistantMessage("", ToolCall{ID: "call_1", Name: "add", Arguments: `{"a":1,"b":2}`})
		require.Len(t, msg.ToolCalls, 1)
		assert.True(t, msg.HasToolCalls())
		assert.Equal(t, "add", msg.ToolCalls[0].Name)
	})

	t.Run("assistant without tool calls", func(t *testing.T) {
		msg := NewAssistantMessage("The answer is 4.")
		assert.False(t, msg.HasToolCalls())
	})

	t.Run("tool", func(t *testing.T) {
		msg := NewToolMessage("call_1", `{"result":3}`)
		assert.Equal(t, RoleTool, msg.Role)
		assert.Equal(t, "call_1", msg.ToolCallID)
		assert.False(t, msg.IsError)
	})

	t.Run("tool error", func(t *testing.T) {
		msg := NewToolErrorMessage("call_1", "division by zero")
		assert.True(t, msg.IsError)
		assert.Equal(t, "division by zero", msg.ErrorMessage)
		assert.Equal(t, "division by zero", msg.Content)
	})
}

func TestToolCallSliceIsCopied(t *testing.T) {
	calls := []ToolCall{{ID: "call_1", Name: "add", Arguments: "{}"}}
	msg := NewAssistantMessage("", calls...)

	calls[0].Name = "mutated"
	assert.Equal(t, "add", msg.ToolCalls[0].Name)
}

func TestToolResultToMessage(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		res := ToolResult{ToolCallID: "call_9", Content: "42"}
		msg := res.ToMessage()
		assert.Equal(t, RoleTool, msg.Role)
		assert.Equal(t, "call_9", msg.ToolCallID)
		assert.Equal(t, "42", msg.Content)
		assert.False(t, msg.IsError)
	})

	t.Run("error", func(t *testing.T) {
		res := ToolResult{ToolCallID: "call_9", Content: "boom", IsError: true, ErrorMessage: "boom"}
		msg := res.ToMessage()
		assert.True(t, msg.IsError)
		assert.Equal(t, "boom", msg.ErrorMessage)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{
			name:    "unknown role",
			msg:     Message{Role: Role("robot")},
			wantErr: "invalid message role",
		},
		{
			name:    "tool message without call id",
			msg:     Message{Role: RoleTool, Content: "x"},
			wantErr: "requires a tool_call_id",
		},
		{
			name: "duplicate tool call ids",
			msg: Message{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "call_1", Name: "a"},
				{ID: "call_1", Name: "b"},
			}},
			wantErr: "duplicate tool call id",
		},
		{
			name: "empty tool call id",
			msg: Message{Role: RoleAssistant, ToolCalls: []ToolCall{
				{Name: "a"},
			}},
			wantErr: "empty id",
		},
		{
			name: "valid assistant",
			msg:  NewAssistantMessage("hi"),
		},
		{
			name: "valid tool",
			msg:  NewToolMessage("call_1", "ok"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTimestampMonotonic(t *testing.T) {
	prev := Timestamp()
	for i := 0; i < 1000; i++ {
		next := Timestamp()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTimestampMonotonicConcurrent(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	results := make([][]int64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			stamps := make([]int64, perGoroutine)
			for i := range stamps {
				stamps[i] = Timestamp()
			}
			results[g] = stamps
		}(g)
	}
	wg.Wait()

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for _, stamps := range results {
		for _, s := range stamps {
			assert.False(t, seen[s], "timestamp %d issued twice", s)
			seen[s] = true
		}
	}
}

func TestMessageOrdering(t *testing.T) {
	a := NewHumanMessage("first")
	b := NewAssistantMessage("second")
	c := NewToolMessage("call_1", "third")
	assert.Less(t, a.CreatedAt, b.CreatedAt)
	assert.Less(t, b.CreatedAt, c.CreatedAt)
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := NewAssistantMessage("thinking", ToolCall{ID: "call_1", Name: "add", Arguments: `{"a":1}`}).
		WithReasoning("chain").
		WithUsage(128)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, msg, back)
}

func TestClone(t *testing.T) {
	msg := NewAssistantMessage("x", ToolCall{ID: "call_1", Name: "add"})
	cp := msg.Clone()
	cp.ToolCalls[0].Name = "mutated"
	assert.Equal(t, "add", msg.ToolCalls[0].Name)
}
