// Package checkpoint persists agent state per conversation thread.
//
// Checkpoints within a thread form a chain: each record carries the id of
// the checkpoint it was saved after, and ids sort lexicographically in
// creation order, so the latest checkpoint is always the maximum id.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/pkg/state"
)

// ErrNotFound is returned when a requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Info describes a stored checkpoint without its state payload.
type Info struct {
	ThreadID           string `json:"thread_id"`
	CheckpointID       string `json:"checkpoint_id"`
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	MessageCount       int    `json:"message_count"`
	CreatedAt          int64  `json:"created_at"`
}

// Checkpointer stores and retrieves per-thread state snapshots.
//
// Save returns the id of the new checkpoint. Load returns ErrNotFound for an
// unknown id. LoadLatest returns (nil, nil) when the thread has no
// checkpoints; an empty thread is not an error. List returns checkpoints
// newest first. Delete reports whether a checkpoint was actually removed.
type Checkpointer interface {
	Save(ctx context.Context, threadID string, st state.State) (string, error)
	Load(ctx context.Context, threadID, checkpointID string) (state.State, error)
	LoadLatest(ctx context.Context, threadID string) (*state.State, error)
	List(ctx context.Context, threadID string) ([]Info, error)
	Delete(ctx context.Context, threadID, checkpointID string) (bool, error)
}

// idTimeLen is the width of the zero-padded microsecond prefix in a
// checkpoint id. 20 digits holds any int64.
const idTimeLen = 20

// mintID returns a checkpoint id strictly greater than lastID. The id is a
// zero-padded unix-microsecond timestamp plus a random suffix, so
// lexicographic order matches creation order even across a restart.
func mintID(lastID string) string {
	now := time.Now().UnixMicro()
	if last, ok := idMicros(lastID); ok && now <= last {
		now = last + 1
	}
	return fmt.Sprintf("%0*d-%s", idTimeLen, now, uuid.NewString()[:8])
}

// idMicros extracts the timestamp prefix from a checkpoint id.
func idMicros(id string) (int64, bool) {
	if len(id) < idTimeLen {
		return 0, false
	}
	micros, err := strconv.ParseInt(id[:idTimeLen], 10, 64)
	if err != nil {
		return 0, false
	}
	return micros, true
}
