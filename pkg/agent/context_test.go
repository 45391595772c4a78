package agent

import (
	"testing"

	"github.com/weftworks/loom/pkg/protocol"
	"github.com/weftworks/loom/pkg/state"
)

func TestInvocationContextScratch(t *testing.T) {
	ic := testIC()

	if _, ok := ic.Get("missing"); ok {
		t.Error("Get on empty scratch returned ok")
	}

	ic.Set("retries", 3)
	v, ok := ic.Get("retries")
	if !ok || v != 3 {
		t.Errorf("Get = %v, %v", v, ok)
	}

	ic.Set("retries", 4)
	if v, _ := ic.Get("retries"); v != 4 {
		t.Errorf("overwrite failed: %v", v)
	}

	ic.Delete("retries")
	if _, ok := ic.Get("retries"); ok {
		t.Error("Delete left the key behind")
	}
}

func TestInvocationContextPublishing(t *testing.T) {
	ic := testIC()

	if ic.Status() != StatusIdle {
		t.Errorf("initial status = %q", ic.Status())
	}
	ic.setStatus(StatusRunning)
	if ic.Status() != StatusRunning {
		t.Errorf("status = %q", ic.Status())
	}

	ic.setIteration(7)
	if ic.Iteration() != 7 {
		t.Errorf("iteration = %d", ic.Iteration())
	}

	st, err := state.New().WithMessage(protocol.NewHumanMessage("hi"))
	if err != nil {
		t.Fatal(err)
	}
	ic.setState(st)
	if got := ic.State(); len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Errorf("state = %+v", got)
	}

	if ic.Response() != nil {
		t.Error("response set before publish")
	}
	ic.setResponse(&Response{Output: "ok"})
	if resp := ic.Response(); resp == nil || resp.Output != "ok" {
		t.Errorf("response = %+v", resp)
	}
}

func TestInvocationContextSnapshotRestore(t *testing.T) {
	ic := testIC()
	st, err := state.New().WithMessage(protocol.NewHumanMessage("before"))
	if err != nil {
		t.Fatal(err)
	}
	ic.setState(st)
	ic.setStatus(StatusRunning)
	ic.setIteration(2)
	ic.Set("plan", "original")

	snap := ic.Snapshot()

	// Diverge the live context.
	ic.setStatus(StatusError)
	ic.setIteration(9)
	ic.Set("plan", "mutated")
	ic.Set("extra", true)

	// The snapshot is isolated from later mutation.
	if snap.Scratch["plan"] != "original" || snap.Iteration != 2 {
		t.Fatalf("snapshot mutated: %+v", snap)
	}

	ic.Restore(snap)
	if ic.Status() != StatusRunning || ic.Iteration() != 2 {
		t.Errorf("restore missed status/iteration: %q, %d", ic.Status(), ic.Iteration())
	}
	if v, _ := ic.Get("plan"); v != "original" {
		t.Errorf("scratch after restore = %v", v)
	}
	if _, ok := ic.Get("extra"); ok {
		t.Error("restore kept a key the snapshot never had")
	}

	// Restoring is repeatable: mutate again, restore the same snapshot again.
	ic.Set("plan", "mutated twice")
	ic.Restore(snap)
	if v, _ := ic.Get("plan"); v != "original" {
		t.Errorf("second restore = %v", v)
	}
}
