// Package store persists workflow records.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/linkflow/agentflow/internal/workflow"
)

var ErrNotFound = errors.New("workflow not found")

// WorkflowStore saves and loads workflow records. Save replaces any
// previous record with the same workflow id.
type WorkflowStore interface {
	Save(ctx context.Context, rec *workflow.Record) error
	Get(ctx context.Context, id string) (*workflow.Record, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]workflow.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]workflow.Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec *workflow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Workflow.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*workflow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(&rec)
	return &out, nil
}

// clone copies the slices a caller may append to or reorder; task data and
// responses are shared and treated as immutable.
func clone(rec *workflow.Record) workflow.Record {
	out := *rec
	out.Results = append([]workflow.TaskResult(nil), rec.Results...)
	out.Workflow.Tasks = append([]workflow.Task(nil), rec.Workflow.Tasks...)
	return out
}
