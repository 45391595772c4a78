package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/state"
)

// Middleware is an interceptor in the invocation pipeline. Implementations
// declare hooks by additionally implementing any subset of the hook
// interfaces below; the chain skips hooks a middleware does not declare.
//
// Middleware instances are shared across invocations and must be safe for
// concurrent use; per-invocation data belongs in the context's scratch map.
type Middleware interface {
	Name() string
	// Priority orders the chain: smaller runs earlier in before hooks and
	// later in after hooks.
	Priority() int
}

// BeforeInvoker runs before each model call. It may mutate the request on
// the context.
type BeforeInvoker interface {
	BeforeInvoke(ctx context.Context, ic *InvocationContext) error
}

// AfterInvoker runs after each iteration completes, with a provisional
// response published on the context.
type AfterInvoker interface {
	AfterInvoke(ctx context.Context, ic *InvocationContext) error
}

// BeforeToolCaller gates each tool execution.
type BeforeToolCaller interface {
	BeforeToolCall(ctx context.Context, ic *InvocationContext, call protocol.ToolCall) (InterceptionResult, error)
}

// AfterToolCaller observes each tool result and may rewrite it in place.
type AfterToolCaller interface {
	AfterToolCall(ctx context.Context, ic *InvocationContext, call protocol.ToolCall, result *protocol.ToolResult) error
}

// StateUpdater observes every state transition and may substitute a
// replacement state.
type StateUpdater interface {
	OnStateUpdate(ctx context.Context, ic *InvocationContext, st state.State) (state.State, error)
}

// ErrorObserver is notified when the pipeline fails. Observational only.
type ErrorObserver interface {
	OnError(ctx context.Context, ic *InvocationContext, cause error) error
}

// Finalizer runs after every invocation, success or not. Cleanup goes here.
type Finalizer interface {
	OnFinally(ctx context.Context, ic *InvocationContext, cause error) error
}

// Interception is a beforeToolCall decision.
type Interception int

const (
	// InterceptContinue lets the call proceed.
	InterceptContinue Interception = iota
	// InterceptStop cancels the call; the model sees the reason as an error
	// tool message and the iteration ends there.
	InterceptStop
	// InterceptInterrupt suspends the whole invocation before the call runs.
	InterceptInterrupt
)

// InterceptionResult is the tagged outcome of a beforeToolCall hook. The
// first non-continue result wins and ends the forward traversal.
type InterceptionResult struct {
	Action    Interception
	Reason    string
	Interrupt *Interrupt
}

// Continue lets the tool call proceed.
func Continue() InterceptionResult {
	return InterceptionResult{Action: InterceptContinue}
}

// Stop cancels the tool call with a reason the model will observe.
func Stop(reason string) InterceptionResult {
	return InterceptionResult{Action: InterceptStop, Reason: reason}
}

// RequireApproval suspends the invocation until a human settles the call.
func RequireApproval(call protocol.ToolCall, description string) InterceptionResult {
	return InterceptionResult{
		Action: InterceptInterrupt,
		Interrupt: &Interrupt{
			Kind:        InterruptApprovalRequired,
			ToolCall:    call,
			Description: description,
		},
	}
}

// MiddlewareError wraps a hook failure with the middleware and hook that
// raised it.
type MiddlewareError struct {
	Middleware string
	Hook       string
	Err        error
}

func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("middleware %s: %s: %v", e.Middleware, e.Hook, e.Err)
}

func (e *MiddlewareError) Unwrap() error {
	return e.Err
}

// Chain is a priority-ordered middleware list. Before hooks traverse in
// priority order, after hooks in reverse, mirroring nested interceptors.
type Chain struct {
	middlewares []Middleware
}

// NewChain sorts the given middleware by ascending priority. The sort is
// stable, so equal priorities keep their registration order.
func NewChain(mws ...Middleware) *Chain {
	sorted := make([]Middleware, len(mws))
	copy(sorted, mws)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Chain{middlewares: sorted}
}

// Len returns the number of middleware in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Names returns the middleware names in chain order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.middlewares))
	for i, mw := range c.middlewares {
		names[i] = mw.Name()
	}
	return names
}

// BeforeInvoke runs the beforeInvoke hooks in priority order.
func (c *Chain) BeforeInvoke(ctx context.Context, ic *InvocationContext) error {
	for _, mw := range c.middlewares {
		hook, ok := mw.(BeforeInvoker)
		if !ok {
			continue
		}
		if err := hook.BeforeInvoke(ctx, ic); err != nil {
			return &MiddlewareError{Middleware: mw.Name(), Hook: "beforeInvoke", Err: err}
		}
	}
	return nil
}

// AfterInvoke runs the afterInvoke hooks in reverse order.
func (c *Chain) AfterInvoke(ctx context.Context, ic *InvocationContext) error {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		hook, ok := c.middlewares[i].(AfterInvoker)
		if !ok {
			continue
		}
		if err := hook.AfterInvoke(ctx, ic); err != nil {
			return &MiddlewareError{Middleware: c.middlewares[i].Name(), Hook: "afterInvoke", Err: err}
		}
	}
	return nil
}

// BeforeToolCall runs the beforeToolCall hooks in priority order. The first
// non-continue result short-circuits the traversal and is returned.
func (c *Chain) BeforeToolCall(ctx context.Context, ic *InvocationContext, call protocol.ToolCall) (InterceptionResult, error) {
	for _, mw := range c.middlewares {
		hook, ok := mw.(BeforeToolCaller)
		if !ok {
			continue
		}
		res, err := hook.BeforeToolCall(ctx, ic, call)
		if err != nil {
			return InterceptionResult{}, &MiddlewareError{Middleware: mw.Name(), Hook: "beforeToolCall", Err: err}
		}
		if res.Action != InterceptContinue {
			return res, nil
		}
	}
	return Continue(), nil
}

// AfterToolCall runs the afterToolCall hooks in reverse order. Hooks may
// rewrite the result through the pointer.
func (c *Chain) AfterToolCall(ctx context.Context, ic *InvocationContext, call protocol.ToolCall, result *protocol.ToolResult) error {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		hook, ok := c.middlewares[i].(AfterToolCaller)
		if !ok {
			continue
		}
		if err := hook.AfterToolCall(ctx, ic, call, result); err != nil {
			return &MiddlewareError{Middleware: c.middlewares[i].Name(), Hook: "afterToolCall", Err: err}
		}
	}
	return nil
}

// OnStateUpdate threads the state through the stateUpdate hooks in priority
// order; each hook receives the previous hook's output.
func (c *Chain) OnStateUpdate(ctx context.Context, ic *InvocationContext, st state.State) (state.State, error) {
	for _, mw := range c.middlewares {
		hook, ok := mw.(StateUpdater)
		if !ok {
			continue
		}
		updated, err := hook.OnStateUpdate(ctx, ic, st)
		if err != nil {
			return st, &MiddlewareError{Middleware: mw.Name(), Hook: "onStateUpdate", Err: err}
		}
		st = updated
	}
	return st, nil
}

// OnError notifies the error hooks in reverse order. Hook failures are
// logged, never propagated; the original cause is already on its way out.
func (c *Chain) OnError(ctx context.Context, ic *InvocationContext, cause error) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		hook, ok := c.middlewares[i].(ErrorObserver)
		if !ok {
			continue
		}
		if err := hook.OnError(ctx, ic, cause); err != nil {
			slog.Warn("onError hook failed",
				"middleware", c.middlewares[i].Name(),
				"error", err)
		}
	}
}

// OnFinally runs the cleanup hooks in reverse order, after success, error,
// or suspension alike. Hook failures are logged, never propagated.
func (c *Chain) OnFinally(ctx context.Context, ic *InvocationContext, cause error) {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		hook, ok := c.middlewares[i].(Finalizer)
		if !ok {
			continue
		}
		if err := hook.OnFinally(ctx, ic, cause); err != nil {
			slog.Warn("onFinally hook failed",
				"middleware", c.middlewares[i].Name(),
				"error", err)
		}
	}
}
