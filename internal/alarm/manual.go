package alarm

import (
	"sync"
	"time"
)

// Manual is an Alarm that only records what was armed. Fire delivers the
// armed wake-up on demand.
type Manual struct {
	mu      sync.Mutex
	at      time.Time
	exact   bool
	armed   bool
	sets    int
	cancels int
	onFire  func(at time.Time)
}

// NewManual creates a Manual alarm. onFire may be nil.
func NewManual(onFire func(at time.Time)) *Manual {
	return &Manual{onFire: onFire}
}

// Set implements Alarm.
func (m *Manual) Set(at time.Time, exact bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.at, m.exact, m.armed = at, exact, true
	m.sets++
}

// Cancel implements Alarm.
func (m *Manual) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
	m.cancels++
}

// Armed returns the armed slot.
func (m *Manual) Armed() (at time.Time, exact bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.at, m.exact, m.armed
}

// Sets returns how many times Set was called.
func (m *Manual) Sets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

// Cancels returns how many times Cancel was called.
func (m *Manual) Cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels
}

// Fire disarms the slot and invokes the callback. It reports false when
// nothing was armed.
func (m *Manual) Fire() bool {
	m.mu.Lock()
	if !m.armed {
		m.mu.Unlock()
		return false
	}
	at := m.at
	m.armed = false
	fn := m.onFire
	m.mu.Unlock()

	if fn != nil {
		fn(at)
	}
	return true
}
