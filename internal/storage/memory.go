package storage

import (
	"context"
	"fmt"
	"sync"

	"taskos/internal/task/store"
)

// Memory is a process-local Store. Executions are kept in order.
type Memory struct {
	mu         sync.Mutex
	snap       *store.Snapshot
	executions []ExecutionRecord
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) LoadSnapshot(context.Context) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return store.Snapshot{}, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, ErrNoSnapshot)
	}
	return *m.snap, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = &snap
	return nil
}

func (m *Memory) AppendExecution(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, rec)
	return nil
}

// Executions returns a copy of every recorded execution.
func (m *Memory) Executions() []ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutionRecord(nil), m.executions...)
}

func (m *Memory) Close() error { return nil }
