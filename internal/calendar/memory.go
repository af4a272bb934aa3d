package calendar

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySource is an in-memory Source. It is used by tests and by callers
// that already hold alert data.
type MemorySource struct {
	mu        sync.Mutex
	details   map[int64]EventDetails
	alerts    []AlertInstance
	queryErr  error
	dismissed []AlertInstance
	reloads   int
	queries   int
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{details: map[int64]EventDetails{}}
}

// AddEvent registers event details and the given alert occurrences.
func (m *MemorySource) AddEvent(d EventDetails, alerts ...AlertInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[d.EventID] = d
	for _, a := range alerts {
		if a.EventID == 0 {
			a.EventID = d.EventID
		}
		if a.Calendar == "" {
			a.Calendar = d.Calendar
		}
		m.alerts = append(m.alerts, a)
	}
}

// AddAlert registers an occurrence without touching event details, which
// lets tests model alerts whose event has since disappeared.
func (m *MemorySource) AddAlert(a AlertInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
}

// RemoveEvent drops the details of an event; its occurrences stay queryable.
func (m *MemorySource) RemoveEvent(eventID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.details, eventID)
}

// SetQueryError makes QueryAlerts and AlertsAt fail with err until reset with nil.
func (m *MemorySource) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

// Dismissed returns every occurrence passed to DismissNative.
func (m *MemorySource) Dismissed() []AlertInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AlertInstance(nil), m.dismissed...)
}

// Reloads returns how many times Reload was called.
func (m *MemorySource) Reloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloads
}

// Queries returns how many times QueryAlerts was called.
func (m *MemorySource) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// QueryAlerts implements Source.
func (m *MemorySource) QueryAlerts(ctx context.Context, from, to time.Time) ([]AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	var out []AlertInstance
	for _, a := range m.alerts {
		if !a.AlertTime.Before(from) && !a.AlertTime.After(to) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AlertTime.Before(out[j].AlertTime) })
	return out, nil
}

// AlertsAt implements Source.
func (m *MemorySource) AlertsAt(ctx context.Context, alertTime time.Time) ([]AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	var out []AlertInstance
	for _, a := range m.alerts {
		if a.AlertTime.UnixMilli() == alertTime.UnixMilli() {
			out = append(out, a)
		}
	}
	return out, nil
}

// EventDetails implements Source.
func (m *MemorySource) EventDetails(ctx context.Context, eventID int64) (*EventDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.details[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &d, nil
}

// Reminders implements Source.
func (m *MemorySource) Reminders(ctx context.Context, eventID int64) ([]Reminder, error) {
	d, err := m.EventDetails(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return d.Reminders, nil
}

// DismissNative implements Source.
func (m *MemorySource) DismissNative(ctx context.Context, inst AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dismissed = append(m.dismissed, inst)
	return nil
}

// Reload implements Source.
func (m *MemorySource) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	return nil
}
