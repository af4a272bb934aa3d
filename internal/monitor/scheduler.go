package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/runnerr0/calwatch/internal/alarm"
	"github.com/runnerr0/calwatch/internal/storage"
)

// Action is what AlarmScheduler did with the wake-up slot.
type Action int

const (
	// ActionCancelled means periodic rescans are off and the slot was cleared.
	ActionCancelled Action = iota
	// ActionExact means an exact wake-up was armed ahead of a known alert.
	ActionExact
	// ActionPeriodic means the coarse fallback wake-up was armed.
	ActionPeriodic
	// ActionImmediate means an alert is already due; nothing was armed and
	// the caller should rescan now.
	ActionImmediate
)

func (a Action) String() string {
	switch a {
	case ActionCancelled:
		return "cancelled"
	case ActionExact:
		return "exact"
	case ActionPeriodic:
		return "periodic"
	case ActionImmediate:
		return "immediate"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the outcome of Reschedule.
type Decision struct {
	Action Action
	// At is the armed time for Exact and Periodic, and the due alert for
	// Immediate.
	At time.Time
}

// AlarmScheduler keeps the single wake-up slot pointed at the next thing the
// monitor needs to do.
type AlarmScheduler struct {
	store    storage.AlertStore
	state    storage.StateStore
	settings Settings
	alarm    alarm.Alarm
	opts     Options
	log      *slog.Logger
}

// NewAlarmScheduler creates an AlarmScheduler.
func NewAlarmScheduler(deps Deps, opts Options) *AlarmScheduler {
	opts = opts.withDefaults()
	return &AlarmScheduler{
		store:    deps.Store,
		state:    deps.State,
		settings: deps.Settings,
		alarm:    deps.Alarm,
		opts:     opts,
		log:      opts.Logger.With("component", "alarm"),
	}
}

// Reschedule re-arms the slot. The next alert is the earlier of the one the
// last scan recorded and the earliest unhandled entry. The exact wake-up is
// armed AlarmThreshold ahead of it unless the periodic check comes first, so
// the scan window keeps moving even while one distant alert is pending.
func (s *AlarmScheduler) Reschedule(ctx context.Context) (Decision, error) {
	if !s.settings.PeriodicRescanEnabled() {
		s.alarm.Cancel()
		return s.decided(Decision{Action: ActionCancelled}), nil
	}

	st, err := s.state.LoadState(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load monitor state: %w", err)
	}
	pending, ok, err := s.store.NextUnhandledAlertTime(ctx)
	if err != nil {
		return Decision{}, err
	}
	next := st.NextEventFireFromScan
	if ok {
		next = minTime(next, pending)
	}

	now := s.opts.Now()
	periodic, err := gronx.NextTickAfter(s.opts.PeriodicCheck, now, false)
	if err != nil {
		return Decision{}, fmt.Errorf("next periodic check %q: %w", s.opts.PeriodicCheck, err)
	}

	if next.IsZero() {
		s.alarm.Set(periodic, false)
		return s.decided(Decision{Action: ActionPeriodic, At: periodic}), nil
	}

	target := next.Add(-s.opts.AlarmThreshold)
	if !target.After(now) {
		return s.decided(Decision{Action: ActionImmediate, At: next}), nil
	}
	if periodic.Before(target) {
		s.alarm.Set(periodic, false)
		return s.decided(Decision{Action: ActionPeriodic, At: periodic}), nil
	}
	s.alarm.Set(target, true)
	return s.decided(Decision{Action: ActionExact, At: target}), nil
}

func (s *AlarmScheduler) decided(d Decision) Decision {
	alarmDecisions.WithLabelValues(d.Action.String()).Inc()
	s.log.Debug("wake-up rescheduled", "action", d.Action.String(), "at", d.At)
	return d
}
