package storage

import "time"

// AlertFlags is a bitset of per-alert markers.
type AlertFlags uint32

const (
	// AlertFlagPreMuted marks an alert whose notification should be
	// delivered silently.
	AlertFlagPreMuted AlertFlags = 1 << 0
)

// PreMuted reports whether the pre-muted bit is set.
func (f AlertFlags) PreMuted() bool { return f&AlertFlagPreMuted != 0 }

// With returns f with the given bits set.
func (f AlertFlags) With(bits AlertFlags) AlertFlags { return f | bits }

// Without returns f with the given bits cleared.
func (f AlertFlags) Without(bits AlertFlags) AlertFlags { return f &^ bits }

// AlertKey identifies one alert occurrence.
type AlertKey struct {
	EventID       int64
	AlertTime     time.Time
	InstanceStart time.Time
}

// AlertEntry is the durable record that an alert occurrence was observed,
// and whether it has already been surfaced to the user.
type AlertEntry struct {
	EventID       int64
	InstanceStart time.Time
	InstanceEnd   time.Time
	AlertTime     time.Time
	IsAllDay      bool
	CreatedByUs   bool
	WasHandled    bool
	Flags         AlertFlags
}

// Key returns the identity of the entry.
func (e AlertEntry) Key() AlertKey {
	return AlertKey{EventID: e.EventID, AlertTime: e.AlertTime, InstanceStart: e.InstanceStart}
}

// MonitorState is the persisted scan cursor.
type MonitorState struct {
	FirstScanEver         bool
	PrevEventScanTo       time.Time
	PrevEventFireFromScan time.Time
	NextEventFireFromScan time.Time
}

// DefaultMonitorState is the state before any scan has completed.
func DefaultMonitorState() MonitorState {
	return MonitorState{FirstScanEver: true}
}

// Stats holds aggregate statistics about the alert store.
type Stats struct {
	TotalAlerts     int64
	HandledAlerts   int64
	UnhandledAlerts int64
	PreMutedAlerts  int64
	OldestInstance  time.Time
	NewestInstance  time.Time
	NextUnhandled   time.Time
}

// toMillis converts t to the persisted representation. The zero time maps to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
