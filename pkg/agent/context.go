package agent

import (
	"sync"
	"sync/atomic"

	"github.com/weftworks/loom/pkg/state"
)

// Status is the runtime state of an invocation, visible to middleware
// through the InvocationContext.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusRunning            Status = "running"
	StatusWaitingForTool     Status = "waiting-for-tool"
	StatusWaitingForApproval Status = "waiting-for-approval"
	StatusError              Status = "error"
	StatusStopped            Status = "stopped"
)

// InvocationContext is the live execution view middleware hooks observe and
// act on. One context exists per invocation and is never shared between
// concurrent runs.
//
// The current state is published through an atomic pointer so hooks running
// on stream callbacks can read it without blocking the loop.
type InvocationContext struct {
	request *Request

	state     atomic.Pointer[state.State]
	response  atomic.Pointer[Response]
	status    atomic.Value
	iteration atomic.Int64

	mu      sync.RWMutex
	scratch map[string]any
}

// NewInvocationContext builds a context for one invocation. The loop calls
// this internally; it is exported so middleware can be tested in isolation.
func NewInvocationContext(req *Request, st state.State) *InvocationContext {
	ic := &InvocationContext{
		request: req,
		scratch: make(map[string]any),
	}
	ic.setState(st)
	ic.status.Store(StatusIdle)
	return ic
}

// Request returns the invocation's request. Hooks may mutate it; the loop
// rereads it at every decision point.
func (ic *InvocationContext) Request() *Request {
	return ic.request
}

// Response returns the response once the invocation has one, nil before.
// The loop publishes a provisional response ahead of each afterInvoke hook
// and the final response on completion.
func (ic *InvocationContext) Response() *Response {
	return ic.response.Load()
}

func (ic *InvocationContext) setResponse(resp *Response) {
	ic.response.Store(resp)
}

// State returns the current state snapshot.
func (ic *InvocationContext) State() state.State {
	return *ic.state.Load()
}

// ReplaceState substitutes the working state. The loop adopts the
// replacement after the running hook returns; beforeInvoke middleware such
// as summarization and prompt injection rewrite the transcript this way.
func (ic *InvocationContext) ReplaceState(st state.State) {
	ic.setState(st)
}

func (ic *InvocationContext) setState(st state.State) {
	ic.state.Store(&st)
}

// Status returns the invocation's runtime status.
func (ic *InvocationContext) Status() Status {
	return ic.status.Load().(Status)
}

func (ic *InvocationContext) setStatus(s Status) {
	ic.status.Store(s)
}

// Iteration returns the zero-based index of the loop iteration in progress.
func (ic *InvocationContext) Iteration() int {
	return int(ic.iteration.Load())
}

func (ic *InvocationContext) setIteration(n int) {
	ic.iteration.Store(int64(n))
}

// Get reads a scratch value. The scratch map is how middleware communicate
// across hooks within one invocation.
func (ic *InvocationContext) Get(key string) (any, bool) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	v, ok := ic.scratch[key]
	return v, ok
}

// Set writes a scratch value.
func (ic *InvocationContext) Set(key string, value any) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.scratch[key] = value
}

// Delete removes a scratch value.
func (ic *InvocationContext) Delete(key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.scratch, key)
}

// Snapshot is a shallow-immutable capture of a context at one point in time.
// The scratch map is copied one level deep; values are shared.
type Snapshot struct {
	State     state.State
	Status    Status
	Iteration int
	Scratch   map[string]any
}

// Snapshot captures the context for saving across a suspension point.
func (ic *InvocationContext) Snapshot() Snapshot {
	ic.mu.RLock()
	scratch := make(map[string]any, len(ic.scratch))
	for k, v := range ic.scratch {
		scratch[k] = v
	}
	ic.mu.RUnlock()

	return Snapshot{
		State:     ic.State(),
		Status:    ic.Status(),
		Iteration: ic.Iteration(),
		Scratch:   scratch,
	}
}

// Restore rewinds the context to a snapshot. The snapshot itself stays
// untouched, so it can be restored more than once.
func (ic *InvocationContext) Restore(snap Snapshot) {
	ic.setState(snap.State)
	ic.setStatus(snap.Status)
	ic.setIteration(snap.Iteration)

	ic.mu.Lock()
	ic.scratch = make(map[string]any, len(snap.Scratch))
	for k, v := range snap.Scratch {
		ic.scratch[k] = v
	}
	ic.mu.Unlock()
}
