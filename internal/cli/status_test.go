package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/calwatch/internal/logging"
	"github.com/runnerr0/calwatch/internal/storage"
)

func TestStatus_EmptyStore(t *testing.T) {
	store, db := openTestDB(t)
	cmd := &StatusCommand{globals: &GlobalFlags{JSON: true}, version: "1.2.3"}

	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWithStore(testConfig(), store, db, ":memory:", logging.Discard())
	})
	require.NoError(t, err)

	var out statusJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, "1.2.3", out.Version)
	assert.True(t, out.FirstScanPending)
	assert.Empty(t, out.ScannedThrough)
	assert.Zero(t, out.TotalAlerts)
	assert.Equal(t, "periodic", out.WakeUp)
	assert.NotEmpty(t, out.WakeUpAt)
	assert.True(t, out.PeriodicRescan)
	assert.Equal(t, 30, out.RetentionDays)
	assert.False(t, out.DaemonRunning)
	assert.Positive(t, out.DatabaseSizeBytes)
}

func TestStatus_WithAlerts(t *testing.T) {
	store, db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, store.SaveState(ctx, storage.MonitorState{
		PrevEventScanTo:       now.Add(72 * time.Hour),
		PrevEventFireFromScan: now.Add(-time.Hour),
		NextEventFireFromScan: now.Add(2 * time.Hour),
	}))
	require.NoError(t, store.UpsertAlerts(ctx, []storage.AlertEntry{
		{EventID: 1, InstanceStart: now.Add(-50 * time.Minute), AlertTime: now.Add(-time.Hour), WasHandled: true},
		{EventID: 2, InstanceStart: now.Add(2*time.Hour + 10*time.Minute), AlertTime: now.Add(2 * time.Hour), Flags: storage.AlertFlagPreMuted},
	}))

	cmd := &StatusCommand{globals: &GlobalFlags{JSON: true}, version: "test"}
	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWithStore(testConfig(), store, db, ":memory:", logging.Discard())
	})
	require.NoError(t, err)

	var out statusJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.False(t, out.FirstScanPending)
	assert.Equal(t, rfc3339(now.Add(72*time.Hour)), out.ScannedThrough)
	assert.Equal(t, int64(2), out.TotalAlerts)
	assert.Equal(t, int64(1), out.HandledAlerts)
	assert.Equal(t, int64(1), out.UnhandledAlerts)
	assert.Equal(t, int64(1), out.PreMutedAlerts)
	assert.Equal(t, rfc3339(now.Add(2*time.Hour)), out.NextUnhandled)
	// The half-hourly check comes before the exact wake-up two hours out.
	assert.Equal(t, "periodic", out.WakeUp)
}

func TestStatus_HumanOutput(t *testing.T) {
	store, db := openTestDB(t)
	cfg := testConfig()
	cfg.Monitor.EnablePeriodicRescan = false
	cmd := &StatusCommand{globals: &GlobalFlags{}, version: "0.9.0"}

	var err error
	output := captureOutput(t, func() {
		err = cmd.executeWithStore(cfg, store, db, ":memory:", logging.Discard())
	})
	require.NoError(t, err)
	assert.Contains(t, output, "calwatch Status")
	assert.Contains(t, output, "Version:         0.9.0")
	assert.Contains(t, output, "Periodic rescan: no")
	assert.Contains(t, output, "first scan pending")
	assert.Contains(t, output, "none (periodic rescan disabled)")
	assert.Contains(t, output, "Daemon:          not running")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "4.0 KB", formatBytes(4096))
	assert.Equal(t, "1.5 MB", formatBytes(3<<19))
	assert.Equal(t, "2.0 GB", formatBytes(2<<30))
}

func TestCheckDaemon_Disabled(t *testing.T) {
	assert.False(t, checkDaemon(""))
	assert.False(t, checkDaemon("127.0.0.1:1"))
}
