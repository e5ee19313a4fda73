// Package keylock provides per-key mutual exclusion.
//
// Mutations of one group serialize on that group's lock, while different
// groups proceed in parallel. Entries are reference counted and released
// when the last holder or waiter unlocks.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out one mutex per key.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the unlock function.
func (m *Manager) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
