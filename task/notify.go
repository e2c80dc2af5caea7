package task

import (
	"runtime/debug"

	"github.com/google/uuid"
)

// ListenerID identifies a registered listener. Funcs are not comparable in
// Go, so removal goes through the id returned by AddListener.
type ListenerID = uuid.UUID

type listenerEntry struct {
	id uuid.UUID
	fn Listener
}

// AddListener registers fn to be called with the full task set after every
// mutation. Listeners are called in registration order, one snapshot at a
// time and in mutation order. A mutating call delivers before it returns
// unless another goroutine is already delivering; then that goroutine
// delivers the new snapshots and the call returns without waiting.
func (m *Manager) AddListener(fn Listener) ListenerID {
	id := uuid.New()
	m.lmu.Lock()
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.lmu.Unlock()
	return id
}

func (m *Manager) RemoveListener(id ListenerID) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// publishLocked queues a snapshot of the current task set for delivery.
// Callers hold m.mu and call flush after releasing it.
func (m *Manager) publishLocked() {
	m.outbox = append(m.outbox, m.snapshotLocked())
}

// flush delivers queued snapshots in the order they were taken. Only one
// goroutine delivers at a time; a caller that finds delivery in progress
// leaves its snapshots to the goroutine already delivering, which also covers
// listeners that mutate the manager from inside the callback.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			if len(m.outbox) == 0 {
				m.mu.Unlock()
				break
			}
			snap := m.outbox[0]
			m.outbox[0] = nil
			m.outbox = m.outbox[1:]
			m.mu.Unlock()

			m.dispatch(snap)
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.outbox) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Manager) dispatch(snap []Task) {
	m.lmu.RLock()
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.lmu.RUnlock()

	for i, l := range listeners {
		// each listener gets its own copy so one cannot alter what the next sees
		tasks := snap
		if i < len(listeners)-1 {
			tasks = make([]Task, len(snap))
			for j := range snap {
				tasks[j] = snap[j].clone()
			}
		}
		m.callListener(l, tasks)
	}
}

func (m *Manager) callListener(l listenerEntry, tasks []Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task listener panicked",
				"listener_id", l.id.String(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	l.fn(tasks)
}
