// Package calendar reads alert occurrences from calendar feeds and emits the
// per-alert push signals the monitor reconciles against its periodic scans.
package calendar

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"time"
)

// ErrEventNotFound is returned when an event ID no longer resolves.
var ErrEventNotFound = errors.New("event not found")

// AlertInstance is one alert occurrence reported by a source.
type AlertInstance struct {
	EventID       int64
	Calendar      string
	InstanceStart time.Time
	InstanceEnd   time.Time
	AlertTime     time.Time
	AllDay        bool
	// CreatedByUs marks alerts synthesized from the default reminder rather
	// than defined in the calendar data.
	CreatedByUs bool
}

// Reminder is one alert definition of an event. A reminder is either
// relative (Offset from start, or from end when RelatedEnd) or Absolute.
type Reminder struct {
	Offset      time.Duration
	RelatedEnd  bool
	Absolute    time.Time
	Action      string
	CreatedByUs bool
}

// AlertTime resolves the reminder against one instance. An alert never
// falls after the instance start; later triggers are clamped to it.
func (r Reminder) AlertTime(start, end time.Time) time.Time {
	t := start.Add(r.Offset)
	switch {
	case !r.Absolute.IsZero():
		t = r.Absolute
	case r.RelatedEnd:
		t = end.Add(r.Offset)
	}
	if t.After(start) {
		return start
	}
	return t
}

// EventDetails is the descriptive data of an event used for notifications.
type EventDetails struct {
	EventID     int64
	Calendar    string
	UID         string
	Title       string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Recurring   bool
	Reminders   []Reminder
}

// Source is a calendar content provider.
type Source interface {
	// QueryAlerts returns every alert occurrence with AlertTime in [from, to].
	QueryAlerts(ctx context.Context, from, to time.Time) ([]AlertInstance, error)
	// AlertsAt returns the alert occurrences that fire exactly at alertTime.
	AlertsAt(ctx context.Context, alertTime time.Time) ([]AlertInstance, error)
	EventDetails(ctx context.Context, eventID int64) (*EventDetails, error)
	Reminders(ctx context.Context, eventID int64) ([]Reminder, error)
	// DismissNative clears the provider's own alert state for an occurrence
	// that has been surfaced.
	DismissNative(ctx context.Context, inst AlertInstance) error
	// Reload re-reads calendar metadata and content.
	Reload(ctx context.Context) error
}

// EventID derives the stable numeric identity of an event from its calendar
// name and iCalendar UID.
func EventID(calendar, uid string) int64 {
	h := fnv.New64a()
	h.Write([]byte(calendar))
	h.Write([]byte{0})
	h.Write([]byte(uid))
	return int64(h.Sum64() & math.MaxInt64)
}
