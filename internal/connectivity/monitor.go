// Package connectivity tracks whether the remote is reachable.
//
// A Monitor holds the current online state and notifies listeners exactly
// once per transition. Sources feed it: the platform network-state signal
// (HTTP, CLI or a watched state file) and an optional heartbeat Prober that
// catches false positives such as captive portals.
package connectivity

import (
	"log/slog"
	"slices"
	"sync"
)

// Listener is called with the new state after each transition.
type Listener func(online bool)

// Monitor is the current online/offline state plus change notification.
// Safe for concurrent use. Listeners run synchronously in Set and must not
// call Set themselves.
type Monitor struct {
	// notifyMu orders notifications so listeners observe transitions in
	// the order they happened.
	notifyMu sync.Mutex

	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	nextID    int
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(initial bool) *Monitor {
	return &Monitor{
		online:    initial,
		listeners: make(map[int]Listener),
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn and returns a function that removes it.
func (m *Monitor) OnChange(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Set records the state reported by a source. Listeners are notified only
// when the state actually changes; repeated reports are ignored.
// Returns true if a transition happened.
func (m *Monitor) Set(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	slog.Debug("connectivity changed", "online", online, "listeners", len(fns))
	for _, fn := range fns {
		fn(online)
	}
	return true
}
