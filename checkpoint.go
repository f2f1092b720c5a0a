package ensemble

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// CheckpointRecord is one durable snapshot of a workflow's state, taken
// after a task reaches a terminal status and at workflow start and end.
// Seq is assigned by the store, monotonically per workflow.
type CheckpointRecord struct {
	WorkflowID string          `json:"workflow_id"`
	StepName   string          `json:"step_name"`
	ParentStep string          `json:"parent_step,omitempty"`
	Seq        int64           `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
	State      json.RawMessage `json:"state"`
}

// CheckpointStore persists workflow checkpoints. Implementations must
// assign Seq atomically per workflow. The store/sqlite and store/postgres
// packages provide durable implementations; MemoryCheckpointStore backs
// tests and throwaway runs.
type CheckpointStore interface {
	// Append persists a new checkpoint and returns it with Seq assigned.
	Append(ctx context.Context, rec CheckpointRecord) (CheckpointRecord, error)
	// Latest returns the highest-Seq checkpoint for a workflow, or
	// ok=false when none exists.
	Latest(ctx context.Context, workflowID string) (CheckpointRecord, bool, error)
	// History returns all checkpoints for a workflow in Seq order.
	History(ctx context.Context, workflowID string) ([]CheckpointRecord, error)
}

// MemoryCheckpointStore is an in-process CheckpointStore.
type MemoryCheckpointStore struct {
	mu   sync.Mutex
	recs map[string][]CheckpointRecord
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{recs: make(map[string][]CheckpointRecord)}
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

// Append implements CheckpointStore.
func (m *MemoryCheckpointStore) Append(_ context.Context, rec CheckpointRecord) (CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Seq = int64(len(m.recs[rec.WorkflowID])) + 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// Copy the raw state so callers can reuse their buffer.
	rec.State = append(json.RawMessage(nil), rec.State...)
	m.recs[rec.WorkflowID] = append(m.recs[rec.WorkflowID], rec)
	return rec, nil
}

// Latest implements CheckpointStore.
func (m *MemoryCheckpointStore) Latest(_ context.Context, workflowID string) (CheckpointRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.recs[workflowID]
	if len(recs) == 0 {
		return CheckpointRecord{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

// History implements CheckpointStore.
func (m *MemoryCheckpointStore) History(_ context.Context, workflowID string) ([]CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckpointRecord, len(m.recs[workflowID]))
	copy(out, m.recs[workflowID])
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
