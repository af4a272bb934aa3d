package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/logging"
	"github.com/runnerr0/calwatch/internal/storage"
)

func TestInspect_EventInSourceAndStore(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()
	src := calendar.NewMemorySource()
	inst := addEvent(src, 9, "Retro", time.Date(2026, 3, 10, 15, 50, 0, 0, time.UTC))
	require.NoError(t, store.UpsertAlerts(ctx, []storage.AlertEntry{{
		EventID:       inst.EventID,
		InstanceStart: inst.InstanceStart,
		InstanceEnd:   inst.InstanceEnd,
		AlertTime:     inst.AlertTime,
		WasHandled:    true,
	}}))

	cmd := &InspectCommand{Event: 9, globals: &GlobalFlags{JSON: true}}
	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWith(ctx, testConfig(), store, src, logging.Discard())
	})
	require.NoError(t, err)

	var out inspectJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, int64(9), out.EventID)
	assert.True(t, out.InSource)
	assert.Equal(t, "Retro", out.Title)
	assert.Equal(t, "work", out.Calendar)
	require.Len(t, out.Reminders, 1)
	assert.Equal(t, "-10m0s", out.Reminders[0].Offset)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, "2026-03-10T15:50:00Z", out.Alerts[0].AlertTime)
	assert.True(t, out.Alerts[0].Handled)
}

func TestInspect_HumanOutput(t *testing.T) {
	store, _ := openTestDB(t)
	src := calendar.NewMemorySource()
	addEvent(src, 5, "Lunch", time.Date(2026, 3, 10, 11, 50, 0, 0, time.UTC))

	cmd := &InspectCommand{Event: 5, globals: &GlobalFlags{}}
	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWith(context.Background(), testConfig(), store, src, logging.Discard())
	})
	require.NoError(t, err)
	assert.Contains(t, output, "Title:     Lunch")
	assert.Contains(t, output, "10m0s before start")
	assert.Contains(t, output, "Stored alerts: 0")
}

func TestInspect_StoredButGoneFromSource(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertAlerts(ctx, []storage.AlertEntry{{
		EventID:       77,
		InstanceStart: start,
		AlertTime:     start.Add(-5 * time.Minute),
		Flags:         storage.AlertFlagPreMuted,
	}}))

	cmd := &InspectCommand{Event: 77, globals: &GlobalFlags{}}
	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWith(ctx, testConfig(), store, calendar.NewMemorySource(), logging.Discard())
	})
	require.NoError(t, err)
	assert.Contains(t, output, "Not present in the calendar feeds.")
	assert.Contains(t, output, "[pending, muted]")
}

func TestInspect_UnknownEvent(t *testing.T) {
	store, _ := openTestDB(t)
	cmd := &InspectCommand{Event: 404, globals: &GlobalFlags{}}
	err := cmd.executeWith(context.Background(), testConfig(), store, calendar.NewMemorySource(), logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, calendar.ErrEventNotFound)
}

func TestDescribeReminder(t *testing.T) {
	abs := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "15m0s before start", describeReminder(calendar.Reminder{Offset: -15 * time.Minute}))
	assert.Equal(t, "5m0s after end", describeReminder(calendar.Reminder{Offset: 5 * time.Minute, RelatedEnd: true}))
	assert.Equal(t, "0s before start (default)", describeReminder(calendar.Reminder{CreatedByUs: true}))
	assert.Equal(t, "at "+formatTime(abs), describeReminder(calendar.Reminder{Absolute: abs}))
}
