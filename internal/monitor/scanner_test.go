package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/calwatch/internal/calendar"
)

func TestFirstScanSuppression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	past := h.addEvent(1, "work", "Retro", t0.Add(10*time.Minute), 20*time.Minute)
	soon := h.addEvent(2, "work", "Sync", t0.Add(5*time.Minute), 4*time.Minute+50*time.Second)
	future := h.addEvent(3, "work", "Planning", t0.Add(2*time.Hour), 10*time.Minute)

	res, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, res.FirstScan)
	assert.Equal(t, 3, res.Discovered)
	assert.Equal(t, 2, res.Suppressed)
	assert.Equal(t, 0, res.Fired)
	assertTime(t, t0.Add(-24*time.Hour), res.From)
	assertTime(t, t0.Add(72*time.Hour), res.To)

	assert.True(t, h.entry(t, past).WasHandled)
	assert.True(t, h.entry(t, soon).WasHandled)
	assert.False(t, h.entry(t, future).WasHandled)
	assert.Equal(t, 0, h.notifier.Calls())

	st := h.state(t)
	assert.False(t, st.FirstScanEver)
	assertTime(t, t0.Add(72*time.Hour), st.PrevEventScanTo)
	assertTime(t, future.AlertTime, st.NextEventFireFromScan)
	assertTime(t, t0.Add(-24*time.Hour), st.PrevEventFireFromScan)

	// The suppressed alert never surfaces on later runs.
	res, err = h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, res.FirstScan)
	assert.Equal(t, 0, res.Fired)
	assert.Equal(t, 0, h.notifier.Calls())
}

func TestScanThenWakeUpDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.addEvent(1, "work", "Standup", t0.Add(30*time.Minute), 10*time.Minute)

	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, h.entry(t, inst).WasHandled)

	dec, err := h.scheduler.Reschedule(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionExact, dec.Action)
	wake := inst.AlertTime.Add(-15 * time.Second)
	assertTime(t, wake, dec.At)
	armed, exact, ok := h.alarm.Armed()
	require.True(t, ok)
	assert.True(t, exact)
	assertTime(t, wake, armed)

	h.clock.Set(armed)
	res, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.True(t, res.NextAlert.IsZero())

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Standup", alerts[0].Title)
	assert.Equal(t, "work", alerts[0].Calendar)
	assert.Equal(t, int64(1), alerts[0].EventID)
	assert.False(t, alerts[0].Muted)
	assert.NotEmpty(t, alerts[0].ID)
	assertTime(t, inst.AlertTime, alerts[0].AlertTime)

	assert.True(t, h.entry(t, inst).WasHandled)
	assert.Len(t, h.source.Dismissed(), 1)
	assert.True(t, h.state(t).NextEventFireFromScan.IsZero())

	dec, err = h.scheduler.Reschedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionPeriodic, dec.Action)
}

func TestScanner_FiresAlertMissedDuringDowntime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.addEvent(1, "work", "Standup", t0.Add(30*time.Minute), 10*time.Minute)
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)

	h.clock.Set(t0.Add(5 * time.Hour))
	res, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.True(t, h.entry(t, inst).WasHandled)
}

func TestScanner_SourceFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addEvent(1, "work", "Standup", t0.Add(2*time.Hour), 10*time.Minute)
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	before := h.state(t)

	h.source.SetQueryError(errors.New("provider unavailable"))
	h.clock.Set(t0.Add(time.Hour))
	_, err = h.scanner.Scan(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unavailable")

	after := h.state(t)
	assert.Equal(t, before.FirstScanEver, after.FirstScanEver)
	assertTime(t, before.PrevEventScanTo, after.PrevEventScanTo)
	assertTime(t, before.PrevEventFireFromScan, after.PrevEventFireFromScan)
	assertTime(t, before.NextEventFireFromScan, after.NextEventFireFromScan)
}

func TestScanner_FirstScanFailureStaysFirst(t *testing.T) {
	h := newHarness(t)
	h.source.SetQueryError(errors.New("provider unavailable"))

	_, err := h.scanner.Scan(context.Background())
	require.Error(t, err)
	assert.True(t, h.state(t).FirstScanEver)
}

func TestCursorMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assertTime(t, t0.Add(72*time.Hour), h.state(t).PrevEventScanTo)

	// Clock stepped backwards: the window collapses onto the cursor.
	h.clock.Set(t0.Add(-2 * time.Hour))
	res, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assertTime(t, t0.Add(72*time.Hour), res.From)
	assertTime(t, t0.Add(72*time.Hour), res.To)
	assertTime(t, t0.Add(72*time.Hour), h.state(t).PrevEventScanTo)

	h.clock.Set(t0.Add(time.Hour))
	res, err = h.scanner.Scan(ctx)
	require.NoError(t, err)
	assertTime(t, t0.Add(72*time.Hour), res.From)
	assertTime(t, t0.Add(73*time.Hour), h.state(t).PrevEventScanTo)
}

func TestScanner_SkipsUnhandledCalendarsAndMissingEvents(t *testing.T) {
	h := newHarness(t)
	h.settings.HandledCalendars = []string{"work"}
	ctx := context.Background()

	h.addEvent(1, "work", "Standup", t0.Add(2*time.Hour), 10*time.Minute)
	h.addEvent(2, "personal", "Dentist", t0.Add(3*time.Hour), 10*time.Minute)
	h.source.AddAlert(calendar.AlertInstance{
		EventID:       99,
		Calendar:      "work",
		InstanceStart: t0.Add(4 * time.Hour),
		InstanceEnd:   t0.Add(5 * time.Hour),
		AlertTime:     t0.Add(4 * time.Hour).Add(-10 * time.Minute),
	})

	res, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discovered)
	assert.Equal(t, 2, res.Skipped)

	stats, err := h.store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAlerts)
}

func TestScanner_PreMutedAlert(t *testing.T) {
	h := newHarness(t)
	h.settings.MutedCalendars = []string{"work"}
	ctx := context.Background()

	inst := h.addEvent(1, "work", "Standup", t0.Add(30*time.Minute), 10*time.Minute)
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, h.entry(t, inst).Flags.PreMuted())

	h.clock.Set(inst.AlertTime)
	_, err = h.scanner.Scan(ctx)
	require.NoError(t, err)

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Muted)
}

func TestScanner_NotifierFailureKeepsAlertHandled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.addEvent(1, "work", "Standup", t0.Add(30*time.Minute), 10*time.Minute)
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)

	h.notifier.SetError(errors.New("display unavailable"))
	h.clock.Set(inst.AlertTime)
	_, err = h.scanner.Scan(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "display unavailable")

	assert.True(t, h.entry(t, inst).WasHandled)
	assertTime(t, inst.AlertTime.Add(72*time.Hour), h.state(t).PrevEventScanTo)

	h.notifier.SetError(nil)
	h.clock.Set(inst.AlertTime.Add(time.Minute))
	_, err = h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.notifier.Calls())
	assert.Empty(t, h.notifier.Alerts())
}

func TestScanner_DropsAlertsOfCalendarNoLongerHandled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.addEvent(1, "work", "Standup", t0.Add(30*time.Minute), 10*time.Minute)
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	require.False(t, h.entry(t, inst).WasHandled)

	h.settings.HandledCalendars = []string{"personal"}
	h.clock.Set(inst.AlertTime)
	res, err := h.scanner.Scan(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Fired)
	assert.Zero(t, h.notifier.Calls())
	assert.Empty(t, h.source.Dismissed())
	assert.True(t, h.entry(t, inst).WasHandled, "dropped alerts are not offered again")
	assert.True(t, h.state(t).NextEventFireFromScan.IsZero())
}

func TestScanner_UnmutedCalendarIsAudibleAgain(t *testing.T) {
	h := newHarness(t)
	h.settings.MutedCalendars = []string{"work"}
	ctx := context.Background()

	inst := h.addEvent(1, "work", "Standup", t0.Add(30*time.Minute), 10*time.Minute)
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	require.True(t, h.entry(t, inst).Flags.PreMuted())

	h.settings.MutedCalendars = nil
	h.clock.Set(inst.AlertTime)
	_, err = h.scanner.Scan(ctx)
	require.NoError(t, err)

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Muted)
	assert.False(t, h.entry(t, inst).Flags.PreMuted(), "stored flag records how the alert was delivered")
}

func TestScanner_MutedAfterRecordingIsSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.addEvent(7, "work", "Standup", t0.Add(30*time.Minute), 10*time.Minute)
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	require.False(t, h.entry(t, inst).Flags.PreMuted())

	h.settings.MutedEvents = []int64{7}
	h.clock.Set(inst.AlertTime)
	_, err = h.scanner.Scan(ctx)
	require.NoError(t, err)

	alerts := h.notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Muted)
	assert.True(t, h.entry(t, inst).Flags.PreMuted())
}
