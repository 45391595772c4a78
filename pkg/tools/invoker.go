package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/tool"
)

const (
	defaultWorkers       = 10
	defaultShutdownGrace = 5 * time.Second
)

// Invoker executes tool calls against a registry. Failures never escape as
// errors: unknown tools and tool panics-by-contract (returned errors) become
// error ToolResults the model can observe and adapt to.
//
// Async execution runs on a bounded pool shared by all callers of the same
// Invoker. Shutdown drains the pool gracefully, then cancels stragglers.
type Invoker struct {
	registry *Registry
	workers  int64
	grace    time.Duration

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	closed   atomic.Bool
	rootCtx  context.Context
	rootStop context.CancelFunc

	tracer     trace.Tracer
	executions metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
}

type InvokerOption func(*Invoker)

// WithWorkers bounds the async pool. Default 10.
func WithWorkers(n int) InvokerOption {
	return func(inv *Invoker) {
		if n > 0 {
			inv.workers = int64(n)
		}
	}
}

// WithShutdownGrace sets how long Shutdown waits before forcing. Default 5s.
func WithShutdownGrace(d time.Duration) InvokerOption {
	return func(inv *Invoker) {
		if d > 0 {
			inv.grace = d
		}
	}
}

func NewInvoker(reg *Registry, opts ...InvokerOption) *Invoker {
	rootCtx, rootStop := context.WithCancel(context.Background())
	inv := &Invoker{
		registry: reg,
		workers:  defaultWorkers,
		grace:    defaultShutdownGrace,
		rootCtx:  rootCtx,
		rootStop: rootStop,
		tracer:   otel.Tracer("loom/tools"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.sem = semaphore.NewWeighted(inv.workers)

	meter := otel.Meter("loom/tools")
	var err error
	if inv.executions, err = meter.Int64Counter("loom.tool.executions",
		metric.WithDescription("Tool executions started")); err != nil {
		otel.Handle(err)
	}
	if inv.failures, err = meter.Int64Counter("loom.tool.failures",
		metric.WithDescription("Tool executions that produced an error result")); err != nil {
		otel.Handle(err)
	}
	if inv.duration, err = meter.Float64Histogram("loom.tool.duration",
		metric.WithDescription("Tool execution latency"),
		metric.WithUnit("ms")); err != nil {
		otel.Handle(err)
	}
	return inv
}

// Definitions lists the registered tools in the form model adapters declare
// them to the provider.
func (inv *Invoker) Definitions() []tool.Definition {
	return inv.registry.Definitions()
}

// Invoke executes one tool call synchronously. The returned result always
// carries the call's id; IsError marks unknown tools and execution failures.
func (inv *Invoker) Invoke(ctx context.Context, call protocol.ToolCall) protocol.ToolResult {
	start := time.Now()

	ctx, span := inv.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("tool.name", call.Name))
	inv.executions.Add(ctx, 1, attrs)

	t, ok := inv.registry.Get(call.Name)
	if !ok {
		slog.Warn("tool not found", "tool", call.Name, "call_id", call.ID)
		inv.failures.Add(ctx, 1, attrs)
		return inv.errorResult(span, start, call,
			fmt.Sprintf("tool not found: %s", call.Name))
	}

	// Tie execution to the invoker lifetime so a forced shutdown interrupts
	// in-flight tools.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(inv.rootCtx, cancel)
	defer stop()

	content, err := t.Execute(ctx, call.Arguments)
	elapsed := time.Since(start)
	inv.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	if err != nil {
		slog.Debug("tool execution failed", "tool", call.Name, "call_id", call.ID, "error", err)
		inv.failures.Add(ctx, 1, attrs)
		return inv.errorResult(span, start, call, err.Error())
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int64("tool.duration_ms", elapsed.Milliseconds()))
	return protocol.ToolResult{
		ToolCallID: call.ID,
		Content:    content,
	}
}

func (inv *Invoker) errorResult(span trace.Span, start time.Time, call protocol.ToolCall, message string) protocol.ToolResult {
	err := fmt.Errorf("%s", message)
	span.RecordError(err)
	span.SetStatus(codes.Error, message)
	span.SetAttributes(attribute.Int64("tool.duration_ms", time.Since(start).Milliseconds()))
	return protocol.ToolResult{
		ToolCallID:   call.ID,
		Content:      message,
		IsError:      true,
		ErrorMessage: message,
	}
}

// InvokeAsync submits the call to the pool and returns a single-result
// channel. The channel always receives exactly one result; submissions after
// Shutdown receive an error result immediately.
func (inv *Invoker) InvokeAsync(ctx context.Context, call protocol.ToolCall) <-chan protocol.ToolResult {
	out := make(chan protocol.ToolResult, 1)

	if inv.closed.Load() {
		out <- protocol.ToolResult{
			ToolCallID:   call.ID,
			Content:      "invoker is shut down",
			IsError:      true,
			ErrorMessage: "invoker is shut down",
		}
		return out
	}

	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		defer close(out)

		if err := inv.sem.Acquire(ctx, 1); err != nil {
			out <- protocol.ToolResult{
				ToolCallID:   call.ID,
				Content:      err.Error(),
				IsError:      true,
				ErrorMessage: err.Error(),
			}
			return
		}
		defer inv.sem.Release(1)

		out <- inv.Invoke(ctx, call)
	}()
	return out
}

// InvokeAll executes calls sequentially in input order and returns results in
// the same order. Sequencing is deliberate: models expect side effects in the
// order they listed the calls.
func (inv *Invoker) InvokeAll(ctx context.Context, calls []protocol.ToolCall) []protocol.ToolResult {
	results := make([]protocol.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, inv.Invoke(ctx, call))
	}
	return results
}

// Shutdown rejects new async submissions, waits up to the grace period for
// in-flight work, then cancels whatever remains and waits for it to exit.
func (inv *Invoker) Shutdown(ctx context.Context) error {
	if inv.closed.Swap(true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		inv.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(inv.grace)
	defer timer.Stop()

	select {
	case <-done:
		inv.rootStop()
		return nil
	case <-ctx.Done():
		inv.rootStop()
		<-done
		return ctx.Err()
	case <-timer.C:
		slog.Warn("invoker shutdown grace elapsed, forcing", "grace", inv.grace)
		inv.rootStop()
		<-done
		return fmt.Errorf("invoker shutdown forced after %s", inv.grace)
	}
}
