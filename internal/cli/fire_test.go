package cli

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/logging"
	"github.com/runnerr0/calwatch/internal/monitor"
	"github.com/runnerr0/calwatch/internal/notify"
)

func TestFire_DeliversOnce(t *testing.T) {
	store, _ := openTestDB(t)
	ctx := context.Background()
	src := calendar.NewMemorySource()
	inst := addEvent(src, 3, "Review", time.Now().Add(5*time.Minute))
	rec := &notify.Recorder{}

	cmd := &FireCommand{
		AlertTime: strconv.FormatInt(inst.AlertTime.UnixMilli(), 10),
		globals:   &GlobalFlags{JSON: true},
	}
	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWith(ctx, testConfig(), store, src, rec, logging.Discard())
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, float64(1), out["found"])
	assert.Equal(t, float64(1), out["recorded"])
	assert.Equal(t, float64(1), out["fired"])
	assert.Equal(t, inst.AlertTime.UTC().Format(time.RFC3339), out["alert_time"])
	require.Len(t, rec.Alerts(), 1)

	// The same broadcast again surfaces nothing.
	output = captureOutput(t, func() {
		err = cmd.executeWith(ctx, testConfig(), store, src, rec, logging.Discard())
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, float64(0), out["fired"])
	assert.Len(t, rec.Alerts(), 1)

	// The push path leaves the scan cursor alone.
	st, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, st.FirstScanEver)
}

func TestFire_RFC3339AndHumanOutput(t *testing.T) {
	store, _ := openTestDB(t)
	src := calendar.NewMemorySource()
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	addEvent(src, 4, "Planning", at)

	cmd := &FireCommand{AlertTime: at.Format(time.RFC3339), globals: &GlobalFlags{}}
	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWith(context.Background(), testConfig(), store, src, &notify.Recorder{}, logging.Discard())
	})
	require.NoError(t, err)
	assert.Contains(t, output, "Found:       1")
	assert.Contains(t, output, "Fired:       1")
}

func TestFire_NoEventsAtTime(t *testing.T) {
	store, _ := openTestDB(t)
	src := calendar.NewMemorySource()

	cmd := &FireCommand{AlertTime: "1773133200000", globals: &GlobalFlags{}}
	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWith(context.Background(), testConfig(), store, src, &notify.Recorder{}, logging.Discard())
	})
	require.NoError(t, err)
	assert.Contains(t, output, "Found:       0")
}

func TestFire_MalformedAlertTime(t *testing.T) {
	store, _ := openTestDB(t)
	src := calendar.NewMemorySource()

	for _, raw := range []string{"soon", "-5", "0"} {
		cmd := &FireCommand{AlertTime: raw, globals: &GlobalFlags{}}
		err := cmd.executeWith(context.Background(), testConfig(), store, src, &notify.Recorder{}, logging.Discard())
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, monitor.ErrMalformedSignal, raw)
		assert.Contains(t, err.Error(), "fire reminder")
	}
}
