package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/weftworks/loom/pkg/checkpoint"
	"github.com/weftworks/loom/pkg/llms"
	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/state"
	"github.com/weftworks/loom/pkg/tools"
)

// Agent binds a chat model, a tool invoker, an optional checkpointer, and a
// middleware chain into the invoke/stream/batch/resume surface.
//
// An Agent is safe for concurrent invocations: per-run bookkeeping lives in
// the InvocationContext, never on the Agent itself.
type Agent struct {
	config       Config
	model        llms.ChatModel
	invoker      *tools.Invoker
	checkpointer checkpoint.Checkpointer
	chain        *Chain
	modelOpts    llms.Options
	mws          []Middleware
	logger       *slog.Logger
	tracer       trace.Tracer
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithConfig sets the agent-level defaults.
func WithConfig(cfg Config) Option {
	return func(a *Agent) { a.config = cfg }
}

// WithInvoker sets the tool invoker. Without one the agent runs with an
// empty registry and every tool call fails back to the model.
func WithInvoker(inv *tools.Invoker) Option {
	return func(a *Agent) { a.invoker = inv }
}

// WithCheckpointer enables state persistence and approval resume.
func WithCheckpointer(cp checkpoint.Checkpointer) Option {
	return func(a *Agent) { a.checkpointer = cp }
}

// WithMiddleware appends middleware; the chain sorts them by priority.
func WithMiddleware(mws ...Middleware) Option {
	return func(a *Agent) { a.mws = append(a.mws, mws...) }
}

// WithModelOptions sets the generation options sent on every model call.
// The tool declarations are filled in by the loop.
func WithModelOptions(opts llms.Options) Option {
	return func(a *Agent) { a.modelOpts = opts }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// New builds an Agent around the given chat model.
func New(model llms.ChatModel, opts ...Option) (*Agent, error) {
	if model == nil {
		return nil, fmt.Errorf("agent requires a chat model")
	}

	a := &Agent{
		model:  model,
		tracer: otel.Tracer("loom/agent"),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.config.SetDefaults()
	if err := a.config.Validate(); err != nil {
		return nil, err
	}
	if a.invoker == nil {
		a.invoker = tools.NewInvoker(tools.NewRegistry())
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.config.Name != "" {
		a.logger = a.logger.With("agent", a.config.Name)
	}
	a.chain = NewChain(a.mws...)
	return a, nil
}

// Name returns the configured agent name, which may be empty.
func (a *Agent) Name() string {
	return a.config.Name
}

// Config returns a copy of the agent's configuration.
func (a *Agent) Config() Config {
	return a.config
}

// Invoke runs the reason-act loop until the model answers without tool
// calls, the iteration budget runs out, middleware stops a call, or an
// approval interrupt suspends execution.
func (a *Agent) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	req.normalize()
	return a.loop(ctx, a.newExecution(req, nil, nil))
}

// Stream runs the loop like Invoke but drives the model's streaming path,
// forwarding tokens and tool-call events to the handler as they arrive. The
// handler observes one stream per model call. Approval interrupts fire after
// the streamed assistant message completes, never mid-stream.
func (a *Agent) Stream(ctx context.Context, req *Request, handler llms.StreamHandler) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if handler == nil {
		return nil, fmt.Errorf("nil stream handler")
	}
	req.normalize()
	return a.loop(ctx, a.newExecution(req, handler, nil))
}

// Batch runs the requests concurrently and returns responses in request
// order. The first failure cancels the remaining work and aborts the batch.
func (a *Agent) Batch(ctx context.Context, reqs []*Request) ([]*Response, error) {
	responses := make([]*Response, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := a.Invoke(ctx, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// Resume continues an invocation that suspended for approval. It loads the
// checkpoint, applies the command to the first pending tool call, runs any
// remaining queued calls through the normal gate, and re-enters the loop.
// The original user input is already part of the loaded state and is never
// re-appended.
func (a *Agent) Resume(ctx context.Context, threadID, checkpointID string, cmd ResumeCommand) (*Response, error) {
	if a.checkpointer == nil {
		return nil, fmt.Errorf("resume requires a checkpointer")
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	st, err := a.checkpointer.Load(ctx, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", checkpointID, err)
	}
	if len(pendingToolCalls(st)) == 0 {
		return nil, fmt.Errorf("checkpoint %s has no pending tool calls to resume", checkpointID)
	}

	req := &Request{ThreadID: threadID, State: &st}
	req.normalize()
	return a.loop(ctx, a.newExecution(req, nil, &cmd))
}

// execution is the per-run loop state.
type execution struct {
	ic      *InvocationContext
	handler llms.StreamHandler
	command *ResumeCommand

	st        state.State
	pending   []protocol.ToolCall
	calls     []protocol.ToolCall
	iteration int
	max       int

	// modelCalls counts the chat completions of this run; the response
	// reports it as Iterations.
	modelCalls int

	start time.Time
}

func (a *Agent) newExecution(req *Request, handler llms.StreamHandler, cmd *ResumeCommand) *execution {
	return &execution{
		ic:      NewInvocationContext(req, state.New()),
		handler: handler,
		command: cmd,
		max:     a.maxIterations(req),
		start:   time.Now(),
	}
}

// loop is the reason-act engine shared by Invoke, Stream, and Resume.
func (a *Agent) loop(ctx context.Context, exec *execution) (resp *Response, err error) {
	ic := exec.ic
	req := ic.Request()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.config.TimeoutSeconds)*time.Second)
	defer cancel()

	ctx, span := a.tracer.Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("agent.name", a.config.Name),
		attribute.String("agent.session_id", req.SessionID),
	))
	defer span.End()

	ic.setStatus(StatusRunning)

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ic.setStatus(StatusError)
			a.chain.OnError(ctx, ic, err)
		}
		a.chain.OnFinally(ctx, ic, err)
	}()

	st, err := a.initialState(ctx, req)
	if err != nil {
		return nil, err
	}
	exec.st = st
	ic.setState(st)

	if req.Input != "" {
		msg := protocol.NewHumanMessage(req.Input)
		if req.UserID != "" {
			msg = msg.WithUserID(req.UserID)
		}
		if err = a.applyMessage(ctx, exec, msg); err != nil {
			return nil, err
		}
	}

	// On resume paths the turn is already part way through: recover how many
	// model calls it has spent and which tool calls still await a result.
	// Every other invocation starts a fresh iteration budget, even when the
	// caller hands in an accumulated transcript.
	exec.pending = pendingToolCalls(exec.st)
	if len(exec.pending) > 0 {
		exec.iteration = runIterations(exec.st)
	}

	a.logger.Info("invocation started",
		"model", a.model.Model(),
		"session", req.SessionID,
		"thread", a.threadID(req),
		"max_iterations", exec.max)

	stopped := false

	// Settle the queue left over from an interrupted iteration before
	// calling the model again.
	if len(exec.pending) > 0 {
		if exec.iteration > 0 {
			ic.setIteration(exec.iteration - 1)
		}
		suspended, settledStop, err2 := a.settlePending(ctx, exec)
		if err2 != nil {
			return nil, err2
		}
		if suspended != nil {
			return suspended, nil
		}
		if err2 := a.afterInvoke(ctx, exec); err2 != nil {
			return nil, err2
		}
		stopped = settledStop
	}

	for !stopped && exec.iteration < exec.max {
		select {
		case <-ctx.Done():
			return nil, a.runCtxErr(ctx)
		default:
		}

		ic.setIteration(exec.iteration)

		if err = a.chain.BeforeInvoke(ctx, ic); err != nil {
			return nil, err
		}
		// beforeInvoke hooks may have substituted the state (summarization,
		// prompt injection).
		exec.st = ic.State()

		assistant, err2 := a.callModel(ctx, exec)
		if err2 != nil {
			return nil, err2
		}
		exec.modelCalls++

		if err = a.applyMessage(ctx, exec, assistant); err != nil {
			return nil, err
		}

		// Final answer, or budget spent with calls still on the table.
		if len(assistant.ToolCalls) == 0 || exec.iteration+1 >= exec.max {
			if len(assistant.ToolCalls) > 0 {
				a.logger.Warn("iteration budget exhausted with tool calls pending",
					"iteration", exec.iteration,
					"pending", len(assistant.ToolCalls))
			}
			if err = a.afterInvoke(ctx, exec); err != nil {
				return nil, err
			}
			break
		}

		// Tools run in the order the model listed them; they may have
		// order-dependent side effects the model expects.
		for _, call := range assistant.ToolCalls {
			outcome, err2 := a.processCall(ctx, exec, call, false)
			if err2 != nil {
				return nil, err2
			}
			if outcome.suspended != nil {
				return outcome.suspended, nil
			}
			if outcome.stopped {
				stopped = true
				break
			}
		}

		if err = a.afterInvoke(ctx, exec); err != nil {
			return nil, err
		}
		exec.iteration++
	}

	return a.finalize(ctx, exec)
}

// initialState resolves the state the loop starts from: an explicit snapshot
// on the request, the latest checkpoint of the thread, or a fresh transcript
// seeded with the system prompt.
func (a *Agent) initialState(ctx context.Context, req *Request) (state.State, error) {
	if req.State != nil {
		return *req.State, nil
	}
	if threadID := a.threadID(req); threadID != "" && a.checkpointer != nil {
		latest, err := a.checkpointer.LoadLatest(ctx, threadID)
		if err != nil {
			return state.State{}, fmt.Errorf("loading latest checkpoint for thread %s: %w", threadID, err)
		}
		if latest != nil {
			return *latest, nil
		}
	}
	if prompt := a.systemPrompt(req); prompt != "" {
		return state.NewWithSystem(prompt), nil
	}
	return state.New(), nil
}

// callModel performs one chat completion, streaming when a handler is
// attached.
func (a *Agent) callModel(ctx context.Context, exec *execution) (protocol.Message, error) {
	opts := a.modelOpts
	opts.Tools = a.toolDefinitions()
	messages := exec.st.Messages

	if exec.handler == nil {
		msg, err := a.model.Chat(ctx, messages, &opts)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("model call (iteration %d): %w", exec.iteration, err)
		}
		return msg, nil
	}

	// Streaming: forward events to the application handler while capturing
	// the assembled completion for the loop.
	var final protocol.Message
	collector := &llms.StreamCallbacks{
		Start:    exec.handler.OnStart,
		Token:    exec.handler.OnToken,
		ToolCall: exec.handler.OnToolCall,
		Completion: func(msg protocol.Message) {
			final = msg
			exec.handler.OnCompletion(msg)
		},
		Error: exec.handler.OnError,
	}
	if err := a.model.ChatStream(ctx, messages, &opts, collector); err != nil {
		return protocol.Message{}, fmt.Errorf("model stream (iteration %d): %w", exec.iteration, err)
	}
	return final, nil
}

// callOutcome reports how one tool call ended: executed (default), stopped
// by middleware, or suspended for approval.
type callOutcome struct {
	stopped   bool
	suspended *Response
}

// processCall runs the gate, the tool, the after hooks, and the state append
// for one call. skipGate bypasses beforeToolCall on human-approved calls so
// the approval middleware cannot re-interrupt its own decision.
func (a *Agent) processCall(ctx context.Context, exec *execution, call protocol.ToolCall, skipGate bool) (callOutcome, error) {
	ic := exec.ic

	if !skipGate {
		res, err := a.chain.BeforeToolCall(ctx, ic, call)
		if err != nil {
			return callOutcome{}, err
		}
		switch res.Action {
		case InterceptStop:
			a.logger.Info("tool call stopped by middleware",
				"tool", call.Name,
				"reason", res.Reason)
			if err := a.applyMessage(ctx, exec, protocol.NewToolErrorMessage(call.ID, res.Reason)); err != nil {
				return callOutcome{}, err
			}
			exec.calls = append(exec.calls, call)
			ic.setStatus(StatusStopped)
			return callOutcome{stopped: true}, nil
		case InterceptInterrupt:
			resp, err := a.suspend(ctx, exec, call, res.Interrupt)
			if err != nil {
				return callOutcome{}, err
			}
			return callOutcome{suspended: resp}, nil
		}
	}

	ic.setStatus(StatusWaitingForTool)
	result := a.invoker.Invoke(ctx, call)
	ic.setStatus(StatusRunning)

	if err := a.chain.AfterToolCall(ctx, ic, call, &result); err != nil {
		return callOutcome{}, err
	}
	// Hooks may have replaced the result; keep the correlation id intact.
	result.ToolCallID = call.ID

	if err := a.applyMessage(ctx, exec, result.ToMessage()); err != nil {
		return callOutcome{}, err
	}
	exec.calls = append(exec.calls, call)
	return callOutcome{}, nil
}

// settlePending applies the resume command to the first pending call, then
// drains the rest of the queue through the normal gate. Any remaining call
// may interrupt again, producing a fresh checkpoint.
func (a *Agent) settlePending(ctx context.Context, exec *execution) (*Response, bool, error) {
	queue := exec.pending

	if cmd := exec.command; cmd != nil {
		first := queue[0]
		queue = queue[1:]

		switch cmd.Action {
		case ActionReject:
			a.logger.Info("tool call rejected",
				"tool", first.Name,
				"reason", cmd.Reason)
			if err := a.applyMessage(ctx, exec, protocol.NewToolErrorMessage(first.ID, cmd.Reason)); err != nil {
				return nil, false, err
			}
			exec.calls = append(exec.calls, first)
		case ActionApproveEdited:
			edited := first
			edited.Arguments = cmd.ModifiedArguments
			a.logger.Info("tool call approved with edits", "tool", first.Name)
			if _, err := a.processCall(ctx, exec, edited, true); err != nil {
				return nil, false, err
			}
		default:
			a.logger.Info("tool call approved", "tool", first.Name)
			if _, err := a.processCall(ctx, exec, first, true); err != nil {
				return nil, false, err
			}
		}
	}

	for _, call := range queue {
		outcome, err := a.processCall(ctx, exec, call, false)
		if err != nil {
			return nil, false, err
		}
		if outcome.suspended != nil {
			return outcome.suspended, false, nil
		}
		if outcome.stopped {
			return nil, true, nil
		}
	}
	return nil, false, nil
}

// suspend checkpoints the current state and returns the interrupt response.
// The loop does not continue until Resume is called with the checkpoint id.
func (a *Agent) suspend(ctx context.Context, exec *execution, call protocol.ToolCall, intr *Interrupt) (*Response, error) {
	ic := exec.ic
	req := ic.Request()

	if intr == nil {
		intr = &Interrupt{Kind: InterruptApprovalRequired, ToolCall: call}
	}
	if intr.Description == "" {
		intr.Description = fmt.Sprintf("tool %s requires approval", call.Name)
	}

	threadID := a.threadID(req)
	if threadID == "" {
		// Approval needs an addressable checkpoint even on ad-hoc requests.
		threadID = req.SessionID
	}
	intr.ThreadID = threadID

	if a.checkpointer != nil {
		id, err := a.checkpointer.Save(ctx, threadID, exec.st)
		if err != nil {
			return nil, fmt.Errorf("saving approval checkpoint: %w", err)
		}
		intr.CheckpointID = id
	} else {
		a.logger.Warn("approval interrupt without a checkpointer, resume will not be possible",
			"tool", call.Name)
	}

	ic.setStatus(StatusWaitingForApproval)
	a.logger.Info("invocation suspended for approval",
		"tool", call.Name,
		"thread", threadID,
		"checkpoint", intr.CheckpointID)

	resp := a.response(exec)
	resp.ThreadID = threadID
	resp.CheckpointID = intr.CheckpointID
	resp.Interrupt = intr
	ic.setResponse(resp)
	return resp, nil
}

// finalize runs the last state-update pass, persists the thread checkpoint,
// and assembles the final response.
func (a *Agent) finalize(ctx context.Context, exec *execution) (*Response, error) {
	ic := exec.ic
	req := ic.Request()

	if err := a.applyState(ctx, exec, exec.st); err != nil {
		return nil, err
	}

	resp := a.response(exec)

	if threadID := a.threadID(req); threadID != "" && a.checkpointer != nil {
		id, err := a.checkpointer.Save(ctx, threadID, exec.st)
		if err != nil {
			return nil, fmt.Errorf("saving checkpoint for thread %s: %w", threadID, err)
		}
		resp.CheckpointID = id
	}

	ic.setResponse(resp)
	if ic.Status() != StatusStopped {
		ic.setStatus(StatusIdle)
	}

	a.logger.Info("invocation complete",
		"iterations", exec.modelCalls,
		"messages", len(exec.st.Messages),
		"tool_calls", len(exec.calls),
		"duration_ms", resp.DurationMs)
	return resp, nil
}

// applyMessage appends a message to the state and routes the result through
// the onStateUpdate hooks.
func (a *Agent) applyMessage(ctx context.Context, exec *execution, msg protocol.Message) error {
	st, err := exec.st.WithMessage(msg)
	if err != nil {
		return fmt.Errorf("appending %s message: %w", msg.Role, err)
	}
	return a.applyState(ctx, exec, st)
}

// applyState runs the onStateUpdate hooks, which may substitute a
// replacement, and publishes the outcome.
func (a *Agent) applyState(ctx context.Context, exec *execution, st state.State) error {
	updated, err := a.chain.OnStateUpdate(ctx, exec.ic, st)
	if err != nil {
		return err
	}
	exec.st = updated
	exec.ic.setState(updated)
	return nil
}

// afterInvoke publishes a provisional response and runs the afterInvoke
// hooks, closing out one iteration.
func (a *Agent) afterInvoke(ctx context.Context, exec *execution) error {
	exec.ic.setResponse(a.response(exec))
	return a.chain.AfterInvoke(ctx, exec.ic)
}

// response assembles a Response from the loop's current position.
func (a *Agent) response(exec *execution) *Response {
	output := ""
	if last, ok := exec.st.LastAssistant(); ok {
		output = last.Content
	}
	now := time.Now()
	return &Response{
		Output:     output,
		Messages:   exec.st.Messages,
		State:      exec.st,
		ThreadID:   a.threadID(exec.ic.Request()),
		StartTime:  exec.start,
		EndTime:    now,
		DurationMs: now.Sub(exec.start).Milliseconds(),
		Iterations: exec.modelCalls,
		ToolCalls:  append([]protocol.ToolCall(nil), exec.calls...),
	}
}

func (a *Agent) runCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("invocation timed out after %ds: %w", a.config.TimeoutSeconds, ctx.Err())
	}
	return fmt.Errorf("invocation canceled: %w", ctx.Err())
}

func (a *Agent) threadID(req *Request) string {
	if req.ThreadID != "" {
		return req.ThreadID
	}
	return a.config.ThreadID
}

func (a *Agent) systemPrompt(req *Request) string {
	if req.SystemPrompt != "" {
		return req.SystemPrompt
	}
	return a.config.SystemPrompt
}

func (a *Agent) maxIterations(req *Request) int {
	if req.MaxIterations > 0 {
		return req.MaxIterations
	}
	return a.config.MaxIterations
}

func (a *Agent) toolDefinitions() []llms.ToolDefinition {
	defs := a.invoker.Definitions()
	if len(defs) == 0 {
		return nil
	}
	out := make([]llms.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = llms.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

// runIterations counts the model calls already spent on the current turn:
// assistant messages after the last human message.
func runIterations(st state.State) int {
	n := 0
	for i := len(st.Messages) - 1; i >= 0; i-- {
		switch st.Messages[i].Role {
		case protocol.RoleHuman:
			return n
		case protocol.RoleAssistant:
			n++
		}
	}
	return n
}

// pendingToolCalls returns the tool calls of the last assistant message that
// have no tool message yet, in their original order.
func pendingToolCalls(st state.State) []protocol.ToolCall {
	last, ok := st.LastAssistant()
	if !ok {
		return nil
	}
	answered := st.AnsweredToolCalls()
	var pending []protocol.ToolCall
	for _, call := range last.ToolCalls {
		if !answered[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}
