// Package notify delivers surfaced alerts to the user.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert is one notification to show.
type Alert struct {
	ID            string
	EventID       int64
	Calendar      string
	Title         string
	Location      string
	InstanceStart time.Time
	InstanceEnd   time.Time
	AlertTime     time.Time
	AllDay        bool
	// Muted alerts are delivered without sound or vibration.
	Muted bool
}

// Notifier displays alerts.
type Notifier interface {
	Notify(ctx context.Context, alerts []Alert) error
}

// NewID returns a fresh notification ID.
func NewID() string {
	return uuid.NewString()
}

// LogNotifier writes each alert as a structured log record.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{log: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, alerts []Alert) error {
	for _, a := range alerts {
		level := slog.LevelWarn
		if a.Muted {
			level = slog.LevelInfo
		}
		n.log.Log(ctx, level, "calendar alert",
			"id", a.ID,
			"event_id", a.EventID,
			"calendar", a.Calendar,
			"title", a.Title,
			"location", a.Location,
			"starts", a.InstanceStart.Format(time.RFC3339),
			"ends", a.InstanceEnd.Format(time.RFC3339),
			"all_day", a.AllDay,
			"muted", a.Muted,
		)
	}
	return nil
}

// Recorder keeps every delivered alert in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	calls  int
	err    error
}

// SetError makes subsequent Notify calls fail with err.
func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Notify implements Notifier.
func (r *Recorder) Notify(ctx context.Context, alerts []Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, alerts...)
	return nil
}

// Alerts returns everything delivered so far.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Calls returns how many times Notify was invoked.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
