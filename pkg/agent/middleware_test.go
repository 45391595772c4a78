package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/state"
)

// plainMiddleware declares no hooks at all.
type plainMiddleware struct {
	name     string
	priority int
}

func (m *plainMiddleware) Name() string  { return m.name }
func (m *plainMiddleware) Priority() int { return m.priority }

// funcMiddleware adapts closures for single-hook tests.
type funcMiddleware struct {
	name     string
	priority int
	before   func(context.Context, *InvocationContext) error
	onState  func(context.Context, *InvocationContext, state.State) (state.State, error)
	onError  func(context.Context, *InvocationContext, error) error
	finally  func(context.Context, *InvocationContext, error) error
}

func (m *funcMiddleware) Name() string  { return m.name }
func (m *funcMiddleware) Priority() int { return m.priority }

func (m *funcMiddleware) BeforeInvoke(ctx context.Context, ic *InvocationContext) error {
	if m.before == nil {
		return nil
	}
	return m.before(ctx, ic)
}

func (m *funcMiddleware) OnStateUpdate(ctx context.Context, ic *InvocationContext, st state.State) (state.State, error) {
	if m.onState == nil {
		return st, nil
	}
	return m.onState(ctx, ic, st)
}

func (m *funcMiddleware) OnError(ctx context.Context, ic *InvocationContext, cause error) error {
	if m.onError == nil {
		return nil
	}
	return m.onError(ctx, ic, cause)
}

func (m *funcMiddleware) OnFinally(ctx context.Context, ic *InvocationContext, cause error) error {
	if m.finally == nil {
		return nil
	}
	return m.finally(ctx, ic, cause)
}

func testIC() *InvocationContext {
	return NewInvocationContext(&Request{}, state.New())
}

func TestNewChainOrdersByPriority(t *testing.T) {
	chain := NewChain(
		&plainMiddleware{name: "c", priority: 30},
		&plainMiddleware{name: "a", priority: 10},
		&plainMiddleware{name: "b", priority: 20},
	)

	want := []string{"a", "b", "c"}
	got := chain.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %q, want %q", i, got[i], want[i])
		}
	}
	if chain.Len() != 3 {
		t.Errorf("len = %d", chain.Len())
	}
}

func TestNewChainStableForEqualPriorities(t *testing.T) {
	chain := NewChain(
		&plainMiddleware{name: "first", priority: 10},
		&plainMiddleware{name: "second", priority: 10},
	)

	got := chain.Names()
	if got[0] != "first" || got[1] != "second" {
		t.Errorf("equal priorities reordered: %v", got)
	}
}

func TestChainSkipsUndeclaredHooks(t *testing.T) {
	chain := NewChain(&plainMiddleware{name: "inert", priority: 1})
	ic := testIC()
	ctx := context.Background()

	if err := chain.BeforeInvoke(ctx, ic); err != nil {
		t.Errorf("BeforeInvoke: %v", err)
	}
	if err := chain.AfterInvoke(ctx, ic); err != nil {
		t.Errorf("AfterInvoke: %v", err)
	}
	res, err := chain.BeforeToolCall(ctx, ic, protocol.ToolCall{ID: "c1", Name: "x"})
	if err != nil || res.Action != InterceptContinue {
		t.Errorf("BeforeToolCall = %+v, %v", res, err)
	}
	if err := chain.AfterToolCall(ctx, ic, protocol.ToolCall{}, &protocol.ToolResult{}); err != nil {
		t.Errorf("AfterToolCall: %v", err)
	}
	st, err := chain.OnStateUpdate(ctx, ic, state.New())
	if err != nil {
		t.Errorf("OnStateUpdate: %v", err)
	}
	_ = st
	chain.OnError(ctx, ic, errors.New("cause"))
	chain.OnFinally(ctx, ic, nil)
}

func TestChainBeforeToolCallShortCircuit(t *testing.T) {
	log := &eventLog{}
	// The stop gate sits at priority 10, ahead of the recorder at 20: its
	// verdict must end the traversal before the recorder fires.
	chain := NewChain(
		&stopGate{reason: "denied"},
		&recorder{name: "after", priority: 20, log: log},
	)

	res, err := chain.BeforeToolCall(context.Background(), testIC(), protocol.ToolCall{ID: "c1", Name: "rm"})
	if err != nil {
		t.Fatalf("BeforeToolCall: %v", err)
	}
	if res.Action != InterceptStop || res.Reason != "denied" {
		t.Errorf("result = %+v", res)
	}
	if n := log.count("after:beforeToolCall:rm"); n != 0 {
		t.Errorf("later hook fired %d times after short-circuit", n)
	}
}

func TestChainStateThreading(t *testing.T) {
	sawFirst := false
	chain := NewChain(
		&funcMiddleware{
			name:     "first",
			priority: 1,
			onState: func(_ context.Context, _ *InvocationContext, st state.State) (state.State, error) {
				return st.WithData("first", true)
			},
		},
		&funcMiddleware{
			name:     "second",
			priority: 2,
			onState: func(_ context.Context, _ *InvocationContext, st state.State) (state.State, error) {
				_, sawFirst = st.Data["first"]
				return st.WithData("second", true)
			},
		},
	)

	st, err := chain.OnStateUpdate(context.Background(), testIC(), state.New())
	if err != nil {
		t.Fatalf("OnStateUpdate: %v", err)
	}
	if !sawFirst {
		t.Error("second hook did not observe the first hook's update")
	}
	if _, ok := st.Data["first"]; !ok {
		t.Error("first tag lost")
	}
	if _, ok := st.Data["second"]; !ok {
		t.Error("second tag lost")
	}
}

func TestChainWrapsHookErrors(t *testing.T) {
	sentinel := errors.New("backend unavailable")
	chain := NewChain(&funcMiddleware{
		name:     "flaky",
		priority: 1,
		before: func(context.Context, *InvocationContext) error {
			return sentinel
		},
	})

	err := chain.BeforeInvoke(context.Background(), testIC())
	if err == nil {
		t.Fatal("expected error")
	}
	var mwErr *MiddlewareError
	if !errors.As(err, &mwErr) {
		t.Fatalf("error type = %T", err)
	}
	if mwErr.Middleware != "flaky" || mwErr.Hook != "beforeInvoke" {
		t.Errorf("wrapped fields = %+v", mwErr)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestChainStateUpdateErrorKeepsInput(t *testing.T) {
	chain := NewChain(&funcMiddleware{
		name:     "broken",
		priority: 1,
		onState: func(context.Context, *InvocationContext, state.State) (state.State, error) {
			return state.State{}, errors.New("refused")
		},
	})

	input, err := state.New().WithData("keep", "me")
	if err != nil {
		t.Fatal(err)
	}
	st, err := chain.OnStateUpdate(context.Background(), testIC(), input)
	if err == nil {
		t.Fatal("expected error")
	}
	if st.Data["keep"] != "me" {
		t.Errorf("errored update did not return the input state: %+v", st)
	}
}

func TestChainErrorHooksNonFatal(t *testing.T) {
	log := &eventLog{}
	chain := NewChain(
		&recorder{name: "rec", priority: 1, log: log},
		&funcMiddleware{
			name:     "broken",
			priority: 2,
			onError: func(context.Context, *InvocationContext, error) error {
				return errors.New("observer blew up")
			},
			finally: func(context.Context, *InvocationContext, error) error {
				return errors.New("cleanup blew up")
			},
		},
	)

	// Reverse order: the broken middleware fails first, the recorder must
	// still be notified.
	chain.OnError(context.Background(), testIC(), errors.New("cause"))
	chain.OnFinally(context.Background(), testIC(), nil)

	if log.count("rec:onError") != 1 {
		t.Errorf("recorder missed onError: %v", log.snapshot())
	}
	if log.count("rec:onFinally") != 1 {
		t.Errorf("recorder missed onFinally: %v", log.snapshot())
	}
}

func TestInterceptionConstructors(t *testing.T) {
	if res := Continue(); res.Action != InterceptContinue {
		t.Errorf("Continue = %+v", res)
	}

	if res := Stop("too risky"); res.Action != InterceptStop || res.Reason != "too risky" {
		t.Errorf("Stop = %+v", res)
	}

	call := protocol.ToolCall{ID: "c9", Name: "deploy", Arguments: "{}"}
	res := RequireApproval(call, "production deploy")
	if res.Action != InterceptInterrupt {
		t.Fatalf("RequireApproval action = %v", res.Action)
	}
	intr := res.Interrupt
	if intr == nil || intr.Kind != InterruptApprovalRequired {
		t.Fatalf("interrupt = %+v", intr)
	}
	if intr.ToolCall.ID != "c9" || intr.Description != "production deploy" {
		t.Errorf("interrupt fields = %+v", intr)
	}
}
