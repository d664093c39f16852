// Package store provides durable, ordered storage for queued task records.
//
// The store is the only owner of task records. Writes are serialized
// internally, and every successful mutation is announced to subscribers
// synchronously and in commit order, so readers such as the queue projection
// never observe a stale view after a write returns.
//
// Two implementations are provided:
//   - SQLite: file-backed, survives process restarts (the production store)
//   - Memory: volatile, used by tests and dry runs
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/schoolhub/syncq/internal/syncq/task"
)

// Errors returned by store operations.
var (
	// ErrNotFound is returned by Get when no record has the requested id.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateID is returned by Append when the id is already stored.
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrAttemptsDecreased is returned by Update when a patch would lower
	// the attempt counter of a record.
	ErrAttemptsDecreased = errors.New("attempts cannot decrease")

	// ErrLocked is returned by LockDir when another process owns the queue.
	ErrLocked = errors.New("queue is locked by another process")

	// ErrClosed is returned by every operation on a store after Close.
	ErrClosed = errors.New("store is closed")
)

// ChangeOp identifies the kind of mutation in a Change.
type ChangeOp string

const (
	OpAppended ChangeOp = "appended"
	OpUpdated  ChangeOp = "updated"
	OpRemoved  ChangeOp = "removed"
)

// Change describes one committed mutation. For OpRemoved, Task holds the
// record as it was just before removal.
type Change struct {
	Op   ChangeOp
	Task task.Task
}

// Listener receives committed changes. Listeners run synchronously inside the
// mutating call and must not mutate the store themselves.
type Listener func(Change)

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Status    *task.Status
	Attempts  *int
	LastError *string
}

// Apply merges p into t and returns the result.
func (p Patch) Apply(t task.Task) (task.Task, error) {
	if p.Status != nil {
		if !p.Status.Valid() {
			return t, fmt.Errorf("invalid status %q", *p.Status)
		}
		t.Status = *p.Status
	}
	if p.Attempts != nil {
		if *p.Attempts < t.Attempts {
			return t, fmt.Errorf("%w: %d -> %d", ErrAttemptsDecreased, t.Attempts, *p.Attempts)
		}
		t.Attempts = *p.Attempts
	}
	if p.LastError != nil {
		t.LastError = *p.LastError
	}
	return t, nil
}

// Store is durable key-ordered storage of task records.
type Store interface {
	// Append adds a new record. It fails if the record is invalid or its id
	// is already present.
	Append(ctx context.Context, t task.Task) error

	// List returns all records ordered by CreatedAt ascending, ties broken
	// by insertion order.
	List(ctx context.Context) ([]task.Task, error)

	// Get returns the record with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (task.Task, error)

	// Update merges a patch into the record with the given id.
	// It is a no-op when the id is absent.
	Update(ctx context.Context, id string, p Patch) error

	// Remove deletes the record with the given id.
	// It is a no-op when the id is absent.
	Remove(ctx context.Context, id string) error

	// Subscribe registers a listener for committed changes.
	Subscribe(l Listener) (unsubscribe func())

	// Close releases resources held by the store.
	Close() error
}

// StatusPtr returns a pointer to s, for building patches.
func StatusPtr(s task.Status) *task.Status { return &s }

// IntPtr returns a pointer to n, for building patches.
func IntPtr(n int) *int { return &n }

// StringPtr returns a pointer to s, for building patches.
func StringPtr(s string) *string { return &s }

// Recover repairs records left behind by a process that stopped mid-cycle:
// inflight records go back to pending and done records are removed.
// It returns the number of records repaired.
func Recover(ctx context.Context, s Store) (int, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	repaired := 0
	for _, t := range tasks {
		switch t.Status {
		case task.StatusInflight:
			if err := s.Update(ctx, t.ID, Patch{Status: StatusPtr(task.StatusPending)}); err != nil {
				return repaired, fmt.Errorf("failed to reset task %s: %w", t.ID, err)
			}
			repaired++
		case task.StatusDone:
			if err := s.Remove(ctx, t.ID); err != nil {
				return repaired, fmt.Errorf("failed to remove task %s: %w", t.ID, err)
			}
			repaired++
		}
	}
	return repaired, nil
}

// LatestCreatedAt returns the largest CreatedAt in s, or 0 when s is empty.
func LatestCreatedAt(ctx context.Context, s Store) (int64, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	var latest int64
	for _, t := range tasks {
		if t.CreatedAt > latest {
			latest = t.CreatedAt
		}
	}
	return latest, nil
}

// sortTasks orders tasks by CreatedAt, using seq to break ties.
func sortTasks(tasks []task.Task, seq []int64) {
	idx := make([]int, len(tasks))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ta, tb := tasks[idx[a]], tasks[idx[b]]
		if ta.CreatedAt != tb.CreatedAt {
			return ta.CreatedAt < tb.CreatedAt
		}
		return seq[idx[a]] < seq[idx[b]]
	})

	sorted := make([]task.Task, len(tasks))
	for i, j := range idx {
		sorted[i] = tasks[j]
	}
	copy(tasks, sorted)
}
