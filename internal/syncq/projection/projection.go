// Package projection is the read-only view of the queue that UI surfaces
// (status bars, banners, the dashboard) subscribe to.
//
// A Projection mirrors the store: it is loaded once and then updated from
// store change notifications, so by the time a store write returns every
// projection listener has already seen the new state.
package projection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/schoolhub/syncq/internal/syncq/observe"
	"github.com/schoolhub/syncq/internal/syncq/store"
	"github.com/schoolhub/syncq/internal/syncq/task"
)

// Predicate selects tasks for a filtered view.
type Predicate func(task.Task) bool

// Listener receives the full ordered snapshot after each change. The slice
// is shared and must not be modified.
type Listener func([]task.Task)

// Counts summarizes the queue by status.
type Counts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Inflight int `json:"inflight"`
	Failed   int `json:"failed"`
}

// Waiting is the number of records not yet delivered and not failed.
func (c Counts) Waiting() int {
	return c.Pending + c.Inflight
}

// Projection exposes queue state without write access.
type Projection struct {
	mu       sync.RWMutex
	snapshot []task.Task

	// changes seen while the initial load runs
	loading  bool
	buffered []store.Change

	listeners   observe.List[[]task.Task]
	unsubscribe func()
}

// New loads the current queue from s and keeps following it until Close.
func New(ctx context.Context, s store.Store) (*Projection, error) {
	p := &Projection{loading: true}

	// subscribe before loading so no change is missed; changes that race
	// the load are replayed on top of it, and replaying one already
	// reflected in the load is harmless
	p.unsubscribe = s.Subscribe(p.apply)

	tasks, err := s.List(ctx)
	if err != nil {
		p.unsubscribe()
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	p.mu.Lock()
	p.snapshot = tasks
	for _, c := range p.buffered {
		p.snapshot = next(p.snapshot, c)
	}
	p.loading = false
	p.buffered = nil
	p.mu.Unlock()
	return p, nil
}

// Close stops following the store. Listeners are kept but no longer called.
func (p *Projection) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// apply updates the snapshot from one store change and notifies listeners.
func (p *Projection) apply(c store.Change) {
	p.mu.Lock()
	if p.loading {
		p.buffered = append(p.buffered, c)
		p.mu.Unlock()
		return
	}
	snapshot := next(p.snapshot, c)
	p.snapshot = snapshot
	p.mu.Unlock()

	p.listeners.Notify(snapshot)
}

// next returns a new slice with c applied to tasks, so snapshots handed out
// earlier stay unchanged.
func next(tasks []task.Task, c store.Change) []task.Task {
	out := make([]task.Task, 0, len(tasks)+1)
	found := false
	for _, t := range tasks {
		if t.ID != c.Task.ID {
			out = append(out, t)
			continue
		}
		found = true
		if c.Op == store.OpUpdated {
			// keep the record's position
			out = append(out, c.Task)
		}
	}
	if c.Op == store.OpAppended || (c.Op == store.OpUpdated && !found) {
		out = insertOrdered(out, c.Task)
	}
	return out
}

// insertOrdered places t after every record with the same or an earlier
// CreatedAt, matching the store's insertion tie-break.
func insertOrdered(tasks []task.Task, t task.Task) []task.Task {
	i := sort.Search(len(tasks), func(i int) bool {
		return tasks[i].CreatedAt > t.CreatedAt
	})
	tasks = append(tasks, task.Task{})
	copy(tasks[i+1:], tasks[i:])
	tasks[i] = t
	return tasks
}

// Snapshot returns the ordered queue. The slice is shared and must not be
// modified.
func (p *Projection) Snapshot() []task.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe registers fn to receive the snapshot after every change.
func (p *Projection) Subscribe(fn Listener) (unsubscribe func()) {
	return p.listeners.Add(fn)
}

// Counts returns per-status totals.
func (p *Projection) Counts() Counts {
	return CountTasks(p.Snapshot())
}

// CountTasks computes Counts for tasks.
func CountTasks(tasks []task.Task) Counts {
	c := Counts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case task.StatusPending:
			c.Pending++
		case task.StatusInflight:
			c.Inflight++
		case task.StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Filter returns the ordered tasks matching pred.
func (p *Projection) Filter(pred Predicate) []task.Task {
	return filter(p.Snapshot(), pred)
}

// SubscribeFiltered registers fn to receive the filtered view after every
// change.
func (p *Projection) SubscribeFiltered(pred Predicate, fn Listener) (unsubscribe func()) {
	return p.listeners.Add(func(all []task.Task) {
		fn(filter(all, pred))
	})
}

func filter(tasks []task.Task, pred Predicate) []task.Task {
	if pred == nil {
		return append([]task.Task(nil), tasks...)
	}
	var out []task.Task
	for _, t := range tasks {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}

// EndpointPrefix matches tasks whose endpoint starts with prefix, e.g.
// "/support/school-1/" for everything queued against one school.
func EndpointPrefix(prefix string) Predicate {
	return func(t task.Task) bool {
		return strings.HasPrefix(t.Endpoint, prefix)
	}
}

// StatusIn matches tasks in any of the given statuses.
func StatusIn(statuses ...task.Status) Predicate {
	return func(t task.Task) bool {
		for _, s := range statuses {
			if t.Status == s {
				return true
			}
		}
		return false
	}
}

// And matches tasks accepted by every predicate.
func And(preds ...Predicate) Predicate {
	return func(t task.Task) bool {
		for _, p := range preds {
			if p != nil && !p(t) {
				return false
			}
		}
		return true
	}
}
