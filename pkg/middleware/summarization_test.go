package middleware

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/llms"
	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/state"
	"github.com/weftworks/loom/pkg/tokens"
)

// stubModel replays scripted assistant messages; calls past the end repeat
// the last one.
type stubModel struct {
	mu        sync.Mutex
	responses []protocol.Message
	calls     int
	seen      [][]protocol.Message
}

func (m *stubModel) Chat(ctx context.Context, messages []protocol.Message, _ *llms.Options) (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.seen = append(m.seen, messages)
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

func (m *stubModel) ChatStream(ctx context.Context, messages []protocol.Message, opts *llms.Options, handler llms.StreamHandler) error {
	msg, err := m.Chat(ctx, messages, opts)
	if err != nil {
		handler.OnError(err)
		return err
	}
	handler.OnStart()
	handler.OnToken(msg.Content)
	handler.OnCompletion(msg)
	return nil
}

func (m *stubModel) Model() string { return "gpt-4o" }

func summaryStub(replies ...string) *stubModel {
	responses := make([]protocol.Message, len(replies))
	for i, text := range replies {
		responses[i] = protocol.NewAssistantMessage(text)
	}
	return &stubModel{responses: responses}
}

// chatTranscript builds a human/assistant ping-pong with padded content so
// token counts clear the test thresholds.
func chatTranscript(t *testing.T, systemPrompt string, turns int) state.State {
	t.Helper()
	st := state.New()
	if systemPrompt != "" {
		st = state.NewWithSystem(systemPrompt)
	}
	var err error
	for i := 0; i < turns; i++ {
		st, err = st.WithMessage(protocol.NewHumanMessage(
			"Question number with plenty of padding words to inflate the token count of this turn."))
		if err != nil {
			t.Fatal(err)
		}
		st, err = st.WithMessage(protocol.NewAssistantMessage(
			"A long winded answer that repeats itself with plenty of padding words to inflate the count."))
		if err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestSummarizationBelowThresholdNoop(t *testing.T) {
	model := summaryStub("unused")
	m, err := NewSummarization(SummarizationConfig{Model: model, TokenThreshold: 100000})
	if err != nil {
		t.Fatal(err)
	}

	st := chatTranscript(t, "base", 3)
	ic := agent.NewInvocationContext(&agent.Request{}, st)

	if err := m.BeforeInvoke(context.Background(), ic); err != nil {
		t.Fatal(err)
	}
	if model.calls != 0 {
		t.Errorf("model called %d times below threshold", model.calls)
	}
	if got := ic.State(); got.Version != st.Version {
		t.Errorf("state replaced below threshold")
	}
}

func TestSummarizationCompacts(t *testing.T) {
	model := summaryStub("The user asked a series of questions and the assistant answered them.")
	m, err := NewSummarization(SummarizationConfig{
		Model:          model,
		TokenThreshold: 50,
		KeepRecent:     2,
	})
	if err != nil {
		t.Fatal(err)
	}

	st := chatTranscript(t, "You are terse.", 6)
	counter, err := tokens.NewCounter("gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	before := counter.CountMessages(st.Messages)

	ic := agent.NewInvocationContext(&agent.Request{}, st)
	if err := m.BeforeInvoke(context.Background(), ic); err != nil {
		t.Fatal(err)
	}

	got := ic.State()
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %d, want system summary plus 2 recent", len(got.Messages))
	}
	head := got.Messages[0]
	if head.Role != protocol.RoleSystem {
		t.Fatalf("head role = %s", head.Role)
	}
	if !strings.Contains(head.Content, "You are terse.") {
		t.Error("original system prompt dropped")
	}
	if !strings.Contains(head.Content, "Previous conversation summary:") {
		t.Error("summary marker missing")
	}
	if !strings.Contains(head.Content, "series of questions") {
		t.Error("summary text missing")
	}
	if err := got.Validate(); err != nil {
		t.Errorf("compacted transcript invalid: %v", err)
	}
	if got.Version <= st.Version {
		t.Errorf("version did not advance: %d -> %d", st.Version, got.Version)
	}

	after := counter.CountMessages(got.Messages)
	if after >= before {
		t.Errorf("compaction did not shrink: %d -> %d tokens", before, after)
	}

	// The summary prompt carried the conversation text.
	sent := model.seen[0]
	if len(sent) != 2 || sent[0].Role != protocol.RoleSystem {
		t.Fatalf("summary call shape = %+v", sent)
	}
	if !strings.Contains(sent[1].Content, "Human:") {
		t.Errorf("conversation text missing from prompt: %q", sent[1].Content)
	}
}

func TestSummarizationToolBoundary(t *testing.T) {
	st := state.New()
	var err error
	add := func(msg protocol.Message) {
		t.Helper()
		st, err = st.WithMessage(msg)
		if err != nil {
			t.Fatal(err)
		}
	}
	add(protocol.NewHumanMessage("first question with some padding words for the token counter"))
	add(protocol.NewAssistantMessage("a verbose first answer with some padding words for the counter"))
	add(protocol.NewHumanMessage("please run both tools now and report what they produce"))
	add(protocol.NewAssistantMessage("",
		protocol.ToolCall{ID: "c1", Name: "read", Arguments: `{"f":1}`},
		protocol.ToolCall{ID: "c2", Name: "read", Arguments: `{"f":2}`},
	))
	add(protocol.NewToolMessage("c1", "contents of the first file with some padding words"))
	add(protocol.NewToolMessage("c2", "contents of the second file with some padding words"))
	add(protocol.NewAssistantMessage("both files read, here is a verbose comparison of their contents"))
	add(protocol.NewHumanMessage("thanks, now summarize the comparison for me"))

	model := summaryStub("Old messages: two files were read and compared.")
	m, err := NewSummarization(SummarizationConfig{
		Model:          model,
		TokenThreshold: 10,
		KeepRecent:     4,
	})
	if err != nil {
		t.Fatal(err)
	}

	ic := agent.NewInvocationContext(&agent.Request{}, st)
	if err := m.BeforeInvoke(context.Background(), ic); err != nil {
		t.Fatal(err)
	}

	got := ic.State()
	if err := got.Validate(); err != nil {
		t.Fatalf("split broke the transcript: %v", err)
	}
	// KeepRecent=4 would cut at the tool results; the cut must slide past
	// them so no tool message survives without its call.
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %d, want system summary plus trailing assistant and human", len(got.Messages))
	}
	if got.Messages[1].Role != protocol.RoleAssistant || got.Messages[2].Role != protocol.RoleHuman {
		t.Errorf("kept tail = %s, %s", got.Messages[1].Role, got.Messages[2].Role)
	}
}

func TestSummarizationKeepsOriginalWhenNotSmaller(t *testing.T) {
	model := summaryStub(strings.Repeat("an enormous summary that defeats its own purpose ", 400))
	m, err := NewSummarization(SummarizationConfig{
		Model:          model,
		TokenThreshold: 50,
		KeepRecent:     2,
	})
	if err != nil {
		t.Fatal(err)
	}

	st := chatTranscript(t, "base", 4)
	ic := agent.NewInvocationContext(&agent.Request{}, st)
	if err := m.BeforeInvoke(context.Background(), ic); err != nil {
		t.Fatal(err)
	}

	if got := ic.State(); got.Version != st.Version {
		t.Error("oversized summary was committed")
	}
}

func TestSummarizationChunked(t *testing.T) {
	model := summaryStub("part one", "part two", "part three", "all parts combined")
	m, err := NewSummarization(SummarizationConfig{
		Model:          model,
		TokenThreshold: 50,
		KeepRecent:     2,
		ChunkSize:      4,
	})
	if err != nil {
		t.Fatal(err)
	}

	// 12 turns = 24 messages; keep 2, summarize 22 in chunks of 4 = 6
	// chunks. The stub repeats its last scripted reply, so chunks 3..6
	// all return "part three"; one combine call follows.
	st := chatTranscript(t, "", 12)
	ic := agent.NewInvocationContext(&agent.Request{}, st)
	if err := m.BeforeInvoke(context.Background(), ic); err != nil {
		t.Fatal(err)
	}

	wantCalls := 6 + 1
	if model.calls != wantCalls {
		t.Errorf("model calls = %d, want %d", model.calls, wantCalls)
	}

	combinePrompt := model.seen[model.calls-1][1].Content
	if !strings.Contains(combinePrompt, "---") {
		t.Errorf("combine call missing joined parts: %q", combinePrompt)
	}
	if !strings.Contains(combinePrompt, "part one") {
		t.Errorf("combine call missing first part: %q", combinePrompt)
	}

	head := ic.State().Messages[0]
	if !strings.Contains(head.Content, "all parts combined") {
		t.Errorf("final summary not applied: %q", head.Content)
	}
}

func TestSummarizationEmptySummaryFails(t *testing.T) {
	model := summaryStub("   ")
	m, err := NewSummarization(SummarizationConfig{
		Model:          model,
		TokenThreshold: 50,
		KeepRecent:     2,
	})
	if err != nil {
		t.Fatal(err)
	}

	st := chatTranscript(t, "base", 4)
	ic := agent.NewInvocationContext(&agent.Request{}, st)
	err = m.BeforeInvoke(context.Background(), ic)
	if err == nil || !strings.Contains(err.Error(), "empty summary") {
		t.Errorf("error = %v", err)
	}
}

func TestNewSummarizationValidation(t *testing.T) {
	if _, err := NewSummarization(SummarizationConfig{}); err == nil {
		t.Error("nil model accepted")
	}

	m, err := NewSummarization(SummarizationConfig{Model: summaryStub("x")})
	if err != nil {
		t.Fatal(err)
	}
	if m.Name() != "summarization" {
		t.Errorf("name = %q", m.Name())
	}
	if m.Priority() != DefaultSummarizationPriority {
		t.Errorf("priority = %d", m.Priority())
	}
	if m.threshold != DefaultTokenThreshold || m.keepRecent != DefaultKeepRecent || m.chunkSize != DefaultChunkSize {
		t.Errorf("defaults not applied: %+v", m)
	}
}
