// Package monitor reconciles calendar alerts from the periodic scan and the
// per-alert push path into one durable record, dispatches due alerts at most
// once and keeps a single wake-up armed for the next one.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/runnerr0/calwatch/internal/alarm"
	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/notify"
	"github.com/runnerr0/calwatch/internal/storage"
)

// ErrMalformedSignal is returned when a reminder signal carries no usable
// alert time.
var ErrMalformedSignal = errors.New("malformed reminder signal")

// Settings is the read-only configuration the monitor consults.
type Settings interface {
	PeriodicRescanEnabled() bool
	CalendarHandled(calendar string) bool
	PreMuted(calendar string, eventID int64) bool
}

// Hooks are notified when processing completes. Nil fields are skipped.
type Hooks struct {
	// AlertFired runs after every reminder broadcast, including malformed ones.
	AlertFired func(ctx context.Context)
	// AfterEventFired runs at the end of every orchestrator pass.
	AfterEventFired func(ctx context.Context)
}

func (h Hooks) alertFired(ctx context.Context) {
	if h.AlertFired != nil {
		h.AlertFired(ctx)
	}
}

func (h Hooks) afterEventFired(ctx context.Context) {
	if h.AfterEventFired != nil {
		h.AfterEventFired(ctx)
	}
}

// Deps are the collaborators shared by the monitor components.
type Deps struct {
	Store    storage.AlertStore
	State    storage.StateStore
	Source   calendar.Source
	Notifier notify.Notifier
	Settings Settings
	Alarm    alarm.Alarm
	Hooks    Hooks
}

// Options are the tunables of the monitor.
type Options struct {
	// AlarmThreshold is how early an alert counts as due.
	AlarmThreshold time.Duration
	// Lookahead is how far past now each scan reaches.
	Lookahead time.Duration
	// FirstScanLookback is where the very first scan starts, relative to now.
	FirstScanLookback time.Duration
	// PeriodicCheck is the cron expression of the coarse fallback wake-up.
	PeriodicCheck string
	// RetryDelay spaces out passes after a failure.
	RetryDelay time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.AlarmThreshold <= 0 {
		o.AlarmThreshold = 15 * time.Second
	}
	if o.Lookahead <= 0 {
		o.Lookahead = 72 * time.Hour
	}
	if o.PeriodicCheck == "" {
		o.PeriodicCheck = "*/30 * * * *"
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func minTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
