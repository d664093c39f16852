package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/schoolhub/syncq/internal/syncq/observe"
	"github.com/schoolhub/syncq/internal/syncq/task"
)

// Memory is a volatile Store. It has the same ordering and notification
// semantics as SQLite.
type Memory struct {
	mu       sync.RWMutex
	notifyMu sync.Mutex
	nextSeq  int64
	records  map[string]memRecord
	closed   bool

	listeners observe.List[Change]
}

type memRecord struct {
	seq  int64
	task task.Task
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]memRecord)}
}

// Append implements Store.Append.
func (m *Memory) Append(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.records[t.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	m.nextSeq++
	t = t.Clone()
	m.records[t.ID] = memRecord{seq: m.nextSeq, task: t}
	m.publish(Change{Op: OpAppended, Task: t.Clone()})
	return nil
}

// List implements Store.List.
func (m *Memory) List(ctx context.Context) ([]task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	tasks := make([]task.Task, 0, len(m.records))
	seq := make([]int64, 0, len(m.records))
	for _, r := range m.records {
		tasks = append(tasks, r.task.Clone())
		seq = append(seq, r.seq)
	}
	sortTasks(tasks, seq)
	return tasks, nil
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, id string) (task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return task.Task{}, ErrClosed
	}

	r, ok := m.records[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.task.Clone(), nil
}

// Update implements Store.Update.
func (m *Memory) Update(ctx context.Context, id string, p Patch) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	updated, err := p.Apply(r.task)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	r.task = updated
	m.records[id] = r
	m.publish(Change{Op: OpUpdated, Task: updated.Clone()})
	return nil
}

// Remove implements Store.Remove.
func (m *Memory) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.records, id)
	m.publish(Change{Op: OpRemoved, Task: r.task})
	return nil
}

// Subscribe implements Store.Subscribe.
func (m *Memory) Subscribe(l Listener) func() {
	return m.listeners.Add(l)
}

// Close implements Store.Close.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// publish hands the write lock over to the notification lock so listeners
// see changes in commit order while reads are already unblocked.
// The caller must hold m.mu; publish releases it.
func (m *Memory) publish(c Change) {
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	m.listeners.Notify(c)
}
