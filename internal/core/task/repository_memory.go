package task

import (
	"context"
	"sync"
	"time"
)

// MemRepository is an in-process Repository, used in tests and as the
// durable record for single-process deployments without Postgres
// configured. Mirrors the teacher's internal/storage/memory.MemoryStore
// mutex-guarded-map idiom.
type MemRepository struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMemRepository() *MemRepository {
	return &MemRepository{tasks: make(map[string]*Task)}
}

func clone(t *Task) *Task {
	cp := *t
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		cp.NextRetryAt = &v
	}
	return &cp
}

func (m *MemRepository) Create(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *MemRepository) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *MemRepository) Update(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *MemRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *MemRepository) GetPending(_ context.Context, taskType string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.State != StatePending {
			continue
		}
		if taskType != "" && t.Type != taskType {
			continue
		}
		out = append(out, clone(t))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.State.Terminal() && t.CreatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}
