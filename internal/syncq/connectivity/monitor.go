// Package connectivity tracks whether the remote API is reachable.
//
// A Monitor holds a single boolean signal. It starts online, so writers are
// never held back when no signal source is configured, and it notifies
// listeners exactly once per real transition.
package connectivity

import (
	"sync"

	"github.com/schoolhub/syncq/internal/syncq/observe"
)

// Monitor is the always-current online/offline signal.
type Monitor struct {
	mu        sync.Mutex
	notifyMu  sync.Mutex
	online    bool
	listeners observe.List[bool]
}

// NewMonitor returns a monitor that reports online until told otherwise.
func NewMonitor() *Monitor {
	return &Monitor{online: true}
}

// IsOnline returns the current signal.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a listener called with the new state on each transition.
func (m *Monitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	return m.listeners.Add(fn)
}

// SetOnline records a connectivity-restored (true) or connectivity-lost
// (false) event. Repeated reports of the current state are ignored.
// It reports whether the state changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.mu.Unlock()

	m.listeners.Notify(online)
	return true
}
