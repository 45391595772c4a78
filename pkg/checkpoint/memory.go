package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/weftworks/loom/pkg/state"
)

// Memory is an in-process Checkpointer for tests and single-node use.
//
// States are stored as serialized JSON, so a loaded state never aliases the
// saved one and callers cannot corrupt history through a shared map.
type Memory struct {
	mu      sync.RWMutex
	threads map[string][]memoryRecord
}

type memoryRecord struct {
	info    Info
	payload []byte
}

var _ Checkpointer = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{threads: make(map[string][]memoryRecord)}
}

func (m *Memory) Save(_ context.Context, threadID string, st state.State) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("thread id cannot be empty")
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("serialize state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.threads[threadID]
	lastID, parentID := "", ""
	if n := len(records); n > 0 {
		lastID = records[n-1].info.CheckpointID
		parentID = lastID
	}

	id := mintID(lastID)
	micros, _ := idMicros(id)
	records = append(records, memoryRecord{
		info: Info{
			ThreadID:           threadID,
			CheckpointID:       id,
			ParentCheckpointID: parentID,
			MessageCount:       len(st.Messages),
			CreatedAt:          micros,
		},
		payload: payload,
	})
	m.threads[threadID] = records
	return id, nil
}

func (m *Memory) Load(_ context.Context, threadID, checkpointID string) (state.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.threads[threadID] {
		if rec.info.CheckpointID == checkpointID {
			return decodeState(rec.payload)
		}
	}
	return state.State{}, fmt.Errorf("thread %q checkpoint %q: %w", threadID, checkpointID, ErrNotFound)
}

func (m *Memory) LoadLatest(_ context.Context, threadID string) (*state.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.threads[threadID]
	if len(records) == 0 {
		return nil, nil
	}
	st, err := decodeState(records[len(records)-1].payload)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Memory) List(_ context.Context, threadID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.threads[threadID]
	infos := make([]Info, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		infos = append(infos, records[i].info)
	}
	return infos, nil
}

func (m *Memory) Delete(_ context.Context, threadID, checkpointID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.threads[threadID]
	for i, rec := range records {
		if rec.info.CheckpointID == checkpointID {
			m.threads[threadID] = append(records[:i:i], records[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func decodeState(payload []byte) (state.State, error) {
	var st state.State
	if err := json.Unmarshal(payload, &st); err != nil {
		return state.State{}, fmt.Errorf("deserialize state: %w", err)
	}
	return st, nil
}
