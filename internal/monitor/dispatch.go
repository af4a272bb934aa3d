package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/notify"
	"github.com/runnerr0/calwatch/internal/storage"
)

// keyID is the comparable form of a storage.AlertKey at the store's
// millisecond resolution.
type keyID struct {
	eventID int64
	alertAt int64
	startAt int64
}

func idOf(k storage.AlertKey) keyID {
	return keyID{eventID: k.EventID, alertAt: k.AlertTime.UnixMilli(), startAt: k.InstanceStart.UnixMilli()}
}

// detailsCache memoizes event lookups for the duration of one run.
type detailsCache struct {
	source calendar.Source
	found  map[int64]*calendar.EventDetails
	failed map[int64]error
}

func newDetailsCache(source calendar.Source) *detailsCache {
	return &detailsCache{
		source: source,
		found:  map[int64]*calendar.EventDetails{},
		failed: map[int64]error{},
	}
}

func (c *detailsCache) get(ctx context.Context, eventID int64) (*calendar.EventDetails, error) {
	if d, ok := c.found[eventID]; ok {
		return d, nil
	}
	if err, ok := c.failed[eventID]; ok {
		return nil, err
	}
	d, err := c.source.EventDetails(ctx, eventID)
	if err == nil && d == nil {
		err = calendar.ErrEventNotFound
	}
	if err != nil {
		c.failed[eventID] = err
		return nil, err
	}
	c.found[eventID] = d
	return d, nil
}

// resolver turns source occurrences into store entries, dropping those the
// monitor must not track.
type resolver struct {
	settings Settings
	log      *slog.Logger
}

func (r resolver) resolve(ctx context.Context, cache *detailsCache, instances []calendar.AlertInstance) (entries []storage.AlertEntry, skipped int) {
	seen := make(map[keyID]bool, len(instances))
	for _, inst := range instances {
		if !r.settings.CalendarHandled(inst.Calendar) {
			instancesSkipped.WithLabelValues("calendar_not_handled").Inc()
			skipped++
			continue
		}
		if _, err := cache.get(ctx, inst.EventID); err != nil {
			if !errors.Is(err, calendar.ErrEventNotFound) {
				r.log.Warn("event lookup failed", "event_id", inst.EventID, "error", err)
			}
			instancesSkipped.WithLabelValues("event_unresolved").Inc()
			skipped++
			continue
		}

		e := storage.AlertEntry{
			EventID:       inst.EventID,
			InstanceStart: inst.InstanceStart,
			InstanceEnd:   inst.InstanceEnd,
			AlertTime:     inst.AlertTime,
			IsAllDay:      inst.AllDay,
			CreatedByUs:   inst.CreatedByUs,
		}
		id := idOf(e.Key())
		if seen[id] {
			continue
		}
		seen[id] = true
		if r.settings.PreMuted(inst.Calendar, inst.EventID) {
			e.Flags = e.Flags.With(storage.AlertFlagPreMuted)
		}
		entries = append(entries, e)
	}
	return entries, skipped
}

// dispatcher surfaces alerts. Both the scan and the broadcast path go
// through it, and it claims entries in the store before notifying, so an
// alert reaches the notifier at most once whichever path gets there first.
type dispatcher struct {
	store    storage.AlertStore
	source   calendar.Source
	notifier notify.Notifier
	settings Settings
	log      *slog.Logger
}

// dispatch claims the entries and notifies the ones this call won. It returns
// the number of alerts handed to the notifier. Settings are applied as they
// are now, not as they were when an entry was recorded: entries of calendars
// no longer handled are claimed and dropped, and the muted state is
// recomputed.
func (d *dispatcher) dispatch(ctx context.Context, path string, cache *detailsCache, entries []storage.AlertEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	keys := make([]storage.AlertKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key())
	}
	won, err := d.store.ClaimAlerts(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("claim alerts: %w", err)
	}
	if len(won) == 0 {
		return 0, nil
	}

	claimed := make(map[keyID]bool, len(won))
	for _, k := range won {
		claimed[idOf(k)] = true
	}

	var (
		alerts    []notify.Alert
		instances []calendar.AlertInstance
	)
	for _, e := range entries {
		id := idOf(e.Key())
		if !claimed[id] {
			continue
		}
		delete(claimed, id)

		det, err := cache.get(ctx, e.EventID)
		if err != nil {
			// The entry stays handled; the event is gone.
			d.log.Warn("dropping alert for unresolvable event",
				"event_id", e.EventID, "alert_time", e.AlertTime, "error", err)
			instancesSkipped.WithLabelValues("event_unresolved").Inc()
			continue
		}
		if !d.settings.CalendarHandled(det.Calendar) {
			d.log.Info("dropping alert of calendar no longer handled",
				"event_id", e.EventID, "calendar", det.Calendar, "alert_time", e.AlertTime)
			instancesSkipped.WithLabelValues("calendar_not_handled").Inc()
			continue
		}

		muted := d.settings.PreMuted(det.Calendar, e.EventID)
		if muted != e.Flags.PreMuted() {
			if err := d.store.SetPreMuted(ctx, e.Key(), muted); err != nil {
				d.log.Warn("update pre-muted flag", "event_id", e.EventID, "error", err)
			}
		}

		alerts = append(alerts, notify.Alert{
			ID:            notify.NewID(),
			EventID:       e.EventID,
			Calendar:      det.Calendar,
			Title:         det.Title,
			Location:      det.Location,
			InstanceStart: e.InstanceStart,
			InstanceEnd:   e.InstanceEnd,
			AlertTime:     e.AlertTime,
			AllDay:        e.IsAllDay,
			Muted:         muted,
		})
		instances = append(instances, calendar.AlertInstance{
			EventID:       e.EventID,
			Calendar:      det.Calendar,
			InstanceStart: e.InstanceStart,
			InstanceEnd:   e.InstanceEnd,
			AlertTime:     e.AlertTime,
			AllDay:        e.IsAllDay,
			CreatedByUs:   e.CreatedByUs,
		})
	}
	if len(alerts) == 0 {
		return 0, nil
	}

	if err := d.notifier.Notify(ctx, alerts); err != nil {
		return 0, fmt.Errorf("notify %d alerts: %w", len(alerts), err)
	}
	alertsDispatched.WithLabelValues(path).Add(float64(len(alerts)))

	for _, inst := range instances {
		if err := d.source.DismissNative(ctx, inst); err != nil {
			d.log.Debug("dismiss native alert", "event_id", inst.EventID, "error", err)
		}
	}

	d.log.Info("alerts dispatched", "path", path, "count", len(alerts))
	return len(alerts), nil
}
