package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/storage"
)

// ReminderSignal is a push notification that alerts are firing. Either
// AlertTime is set, or Raw carries the alert time as unix milliseconds or
// an RFC 3339 timestamp.
type ReminderSignal struct {
	Raw       string
	AlertTime time.Time
}

// AlertTimeValue resolves the alert time carried by the signal.
func (s ReminderSignal) AlertTimeValue() (time.Time, error) {
	if !s.AlertTime.IsZero() {
		return s.AlertTime, nil
	}
	raw := strings.TrimSpace(s.Raw)
	if raw == "" {
		return time.Time{}, ErrMalformedSignal
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedSignal, raw)
}

// BroadcastResult summarizes one handled signal.
type BroadcastResult struct {
	AlertTime time.Time
	Found     int
	Recorded  int
	Fired     int
}

// BroadcastHandler is the push path. It records and surfaces the alerts of
// one signal and never moves the scan cursor.
type BroadcastHandler struct {
	store    storage.AlertStore
	source   calendar.Source
	hooks    Hooks
	resolver resolver
	dispatch *dispatcher
	log      *slog.Logger
}

// NewBroadcastHandler creates a BroadcastHandler.
func NewBroadcastHandler(deps Deps, opts Options) *BroadcastHandler {
	opts = opts.withDefaults()
	log := opts.Logger.With("component", "broadcast")
	return &BroadcastHandler{
		store:    deps.Store,
		source:   deps.Source,
		hooks:    deps.Hooks,
		resolver: resolver{settings: deps.Settings, log: log},
		dispatch: &dispatcher{
			store:    deps.Store,
			source:   deps.Source,
			notifier: deps.Notifier,
			settings: deps.Settings,
			log:      log,
		},
		log: log,
	}
}

// Handle processes one signal. The AlertFired hook runs whatever the outcome.
func (h *BroadcastHandler) Handle(ctx context.Context, sig ReminderSignal) (*BroadcastResult, error) {
	defer h.hooks.alertFired(ctx)

	at, err := sig.AlertTimeValue()
	if err != nil {
		broadcastsTotal.WithLabelValues("malformed").Inc()
		h.log.Warn("ignoring reminder signal", "raw", sig.Raw, "error", err)
		return nil, err
	}

	res, err := h.handle(ctx, at)
	if err != nil {
		broadcastsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	broadcastsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (h *BroadcastHandler) handle(ctx context.Context, at time.Time) (*BroadcastResult, error) {
	res := &BroadcastResult{AlertTime: at}

	instances, err := h.source.AlertsAt(ctx, at)
	if err != nil {
		return res, fmt.Errorf("query alerts at %s: %w", at.Format(time.RFC3339), err)
	}
	res.Found = len(instances)

	cache := newDetailsCache(h.source)
	entries, _ := h.resolver.resolve(ctx, cache, instances)
	if err := h.store.UpsertAlerts(ctx, entries); err != nil {
		return res, fmt.Errorf("record alerts: %w", err)
	}
	res.Recorded = len(entries)

	fired, err := h.dispatch.dispatch(ctx, "broadcast", cache, entries)
	res.Fired = fired
	if err != nil {
		return res, err
	}

	h.log.Debug("reminder signal handled",
		"alert_time", at, "found", res.Found, "recorded", res.Recorded, "fired", res.Fired)
	return res, nil
}
