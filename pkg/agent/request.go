package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/state"
)

// Request describes one agent invocation.
//
// Input is the user's message for this turn. ThreadID attaches the turn to a
// persisted conversation; when set together with a checkpointer, the latest
// checkpoint seeds the state and a new checkpoint is written on completion.
// State short-circuits resolution entirely: the loop starts from that
// snapshot. Leave Input empty when resuming from a snapshot; a non-empty
// Input starts a new turn on top of it.
type Request struct {
	Input         string         `json:"input"`
	ThreadID      string         `json:"thread_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	Stream        bool           `json:"stream,omitempty"`

	State *state.State `json:"-"`
}

// normalize fills the generated fields middleware relies on.
func (r *Request) normalize() {
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	if r.Parameters == nil {
		r.Parameters = make(map[string]any)
	}
}

// Response is the result of one invocation. Interrupt is non-nil when the
// loop suspended for approval instead of finishing; CheckpointID then names
// the checkpoint Resume continues from.
type Response struct {
	Output       string              `json:"output"`
	Messages     []protocol.Message  `json:"messages,omitempty"`
	State        state.State         `json:"state"`
	ThreadID     string              `json:"thread_id,omitempty"`
	CheckpointID string              `json:"checkpoint_id,omitempty"`
	DurationMs   int64               `json:"duration_ms"`
	StartTime    time.Time           `json:"start_time"`
	EndTime      time.Time           `json:"end_time"`
	Iterations   int                 `json:"iterations"`
	ToolCalls    []protocol.ToolCall `json:"tool_calls,omitempty"`
	Interrupt    *Interrupt          `json:"interrupt,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// IsSuccess reports whether the invocation produced a usable result.
func (r *Response) IsSuccess() bool {
	return r.Error == ""
}

// Interrupted reports whether the invocation suspended for external input.
func (r *Response) Interrupted() bool {
	return r.Interrupt != nil
}

// InterruptKind names the cause of a suspension.
type InterruptKind string

// InterruptApprovalRequired is the only defined kind: a tool call is waiting
// for a human decision.
const InterruptApprovalRequired InterruptKind = "approval-required"

// Interrupt describes a suspended invocation. It carries everything a caller
// needs to present the decision and resume: the pending tool call, the thread
// and the checkpoint the loop parked at.
type Interrupt struct {
	Kind         InterruptKind     `json:"kind"`
	ToolCall     protocol.ToolCall `json:"tool_call"`
	Description  string            `json:"description,omitempty"`
	ThreadID     string            `json:"thread_id,omitempty"`
	CheckpointID string            `json:"checkpoint_id,omitempty"`
}

// ResumeAction selects how a pending tool call is settled.
type ResumeAction string

const (
	ActionApprove       ResumeAction = "approve"
	ActionApproveEdited ResumeAction = "approve-edited"
	ActionReject        ResumeAction = "reject"
)

// ResumeCommand is the caller's decision for the tool call an invocation
// suspended on.
type ResumeCommand struct {
	Action ResumeAction `json:"action"`

	// ModifiedArguments replaces the call's arguments on approve-edited.
	ModifiedArguments string `json:"modified_arguments,omitempty"`

	// Reason is fed back to the model as the tool error on reject.
	Reason string `json:"reason,omitempty"`
}

// Approve executes the pending call with its original arguments.
func Approve() ResumeCommand {
	return ResumeCommand{Action: ActionApprove}
}

// ApproveEdited executes the pending call with replacement arguments. The
// call id is preserved so the tool message still correlates.
func ApproveEdited(argumentsJSON string) ResumeCommand {
	return ResumeCommand{Action: ActionApproveEdited, ModifiedArguments: argumentsJSON}
}

// Reject skips execution and records the reason as an error tool message, so
// the model observes the refusal and can adapt.
func Reject(reason string) ResumeCommand {
	return ResumeCommand{Action: ActionReject, Reason: reason}
}

// Validate checks the command is internally consistent.
func (c ResumeCommand) Validate() error {
	switch c.Action {
	case ActionApprove:
		return nil
	case ActionApproveEdited:
		if !json.Valid([]byte(c.ModifiedArguments)) {
			return fmt.Errorf("approve-edited requires valid JSON arguments")
		}
		return nil
	case ActionReject:
		if c.Reason == "" {
			return fmt.Errorf("reject requires a reason")
		}
		return nil
	default:
		return fmt.Errorf("unknown resume action %q", c.Action)
	}
}
