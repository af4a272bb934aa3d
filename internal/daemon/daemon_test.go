package daemon

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/calwatch/internal/alarm"
	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/config"
	"github.com/runnerr0/calwatch/internal/logging"
	"github.com/runnerr0/calwatch/internal/notify"
	"github.com/runnerr0/calwatch/internal/storage"
)

func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.NewMigrationRunner(db).Run())
	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitor.StartDelay = 0
	cfg.Metrics.Listen = ""
	return cfg
}

func addEvent(src *calendar.MemorySource, id int64, title string, alertAt time.Time) calendar.AlertInstance {
	start := alertAt.Add(10 * time.Minute)
	inst := calendar.AlertInstance{
		EventID:       id,
		Calendar:      "work",
		InstanceStart: start,
		InstanceEnd:   start.Add(30 * time.Minute),
		AlertTime:     alertAt,
	}
	src.AddEvent(calendar.EventDetails{EventID: id, Calendar: "work", Title: title, Start: start}, inst)
	return inst
}

func runDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func TestNew_RequiresConfigAndStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Config: testConfig()})
	assert.Error(t, err)
}

func TestDaemon_BootScansAndArmsAlarm(t *testing.T) {
	src := calendar.NewMemorySource()
	addEvent(src, 1, "Standup", time.Now().Add(20*time.Minute))
	manual := alarm.NewManual(nil)

	d, err := New(Options{
		Config:   testConfig(),
		Store:    openTestStore(t),
		Source:   src,
		Notifier: &notify.Recorder{},
		Alarm:    manual,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	runDaemon(t, d)

	require.Eventually(t, func() bool {
		_, _, ok := manual.Armed()
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, src.Reloads(), 1)
	assert.GreaterOrEqual(t, src.Queries(), 1)
}

func TestDaemon_EmitterDeliversReminderOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, storage.MonitorState{PrevEventScanTo: time.Now()}))

	src := calendar.NewMemorySource()
	inst := addEvent(src, 1, "Standup", time.Now().Add(600*time.Millisecond))
	rec := &notify.Recorder{}

	cfg := testConfig()
	cfg.Monitor.AlarmThreshold = time.Millisecond

	d, err := New(Options{
		Config:   cfg,
		Store:    store,
		Source:   src,
		Notifier: rec,
		Alarm:    alarm.NewManual(nil),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	runDaemon(t, d)

	require.Eventually(t, func() bool { return len(rec.Alerts()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	alerts := rec.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Standup", alerts[0].Title)

	e, err := store.GetAlert(ctx, storage.AlertKey{
		EventID:       inst.EventID,
		AlertTime:     inst.AlertTime,
		InstanceStart: inst.InstanceStart,
	})
	require.NoError(t, err)
	assert.True(t, e.WasHandled)
}

func TestDaemon_HorizonRefreshReachesLaterAlerts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, storage.MonitorState{PrevEventScanTo: time.Now()}))

	src := calendar.NewMemorySource()
	// Beyond the horizon covered at boot, so only a later refresh can arm it.
	addEvent(src, 1, "Retro", time.Now().Add(2500*time.Millisecond))
	rec := &notify.Recorder{}

	cfg := testConfig()
	cfg.Monitor.EnablePeriodicRescan = false
	cfg.Calendars.ReminderHorizon = time.Second

	d, err := New(Options{
		Config:   cfg,
		Store:    store,
		Source:   src,
		Notifier: rec,
		Alarm:    alarm.NewManual(nil),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	runDaemon(t, d)

	require.Eventually(t, func() bool { return len(rec.Alerts()) == 1 }, 6*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Retro", rec.Alerts()[0].Title)
	assert.GreaterOrEqual(t, src.Reloads(), 3, "boot plus periodic horizon refreshes")
}

func TestAfterPass_PrunesOncePerInterval(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	old := func(id int64) storage.AlertEntry {
		start := now.AddDate(0, 0, -40)
		return storage.AlertEntry{
			EventID:       id,
			InstanceStart: start,
			InstanceEnd:   start.Add(time.Hour),
			AlertTime:     start.Add(-10 * time.Minute),
			WasHandled:    true,
		}
	}

	cfg := testConfig()
	cfg.Storage.RetentionDays = 30
	d, err := New(Options{
		Config: cfg,
		Store:  store,
		Source: calendar.NewMemorySource(),
		Alarm:  alarm.NewManual(nil),
		Logger: logging.Discard(),
		Now:    clock,
	})
	require.NoError(t, err)

	require.NoError(t, store.UpsertAlerts(ctx, []storage.AlertEntry{old(1)}))
	d.afterPass(ctx)
	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalAlerts)

	require.NoError(t, store.UpsertAlerts(ctx, []storage.AlertEntry{old(2)}))
	d.afterPass(ctx)
	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAlerts, "second prune within the interval is skipped")

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	d.afterPass(ctx)
	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalAlerts)
}

func TestUpcomingAlertTimes(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	got := upcomingAlertTimes([]calendar.AlertInstance{
		{EventID: 1, AlertTime: base.Add(time.Hour)},
		{EventID: 2, AlertTime: base},
		{EventID: 3, AlertTime: base.Add(time.Hour)},
	})
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(base))
	assert.True(t, got[1].Equal(base.Add(time.Hour)))
}
