package cli

import (
	"bytes"
	"database/sql"
	"io"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/config"
	"github.com/runnerr0/calwatch/internal/storage"
)

// captureOutput captures stdout during fn execution and returns it as a string.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

// openTestDB creates a migrated in-memory store and returns it with its db.
func openTestDB(t *testing.T) (*storage.SQLiteStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.NewMigrationRunner(db).Run())
	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, db
}

// testConfig is the default config without feeds or a metrics listener.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitor.StartDelay = 0
	cfg.Metrics.Listen = ""
	return cfg
}

// addEvent registers an event with one alert firing at alertAt and returns
// the occurrence.
func addEvent(src *calendar.MemorySource, id int64, title string, alertAt time.Time) calendar.AlertInstance {
	start := alertAt.Add(10 * time.Minute).Truncate(time.Millisecond)
	inst := calendar.AlertInstance{
		EventID:       id,
		Calendar:      "work",
		InstanceStart: start,
		InstanceEnd:   start.Add(30 * time.Minute),
		AlertTime:     alertAt.Truncate(time.Millisecond),
	}
	src.AddEvent(calendar.EventDetails{
		EventID:   id,
		Calendar:  "work",
		Title:     title,
		Start:     start,
		End:       start.Add(30 * time.Minute),
		Reminders: []calendar.Reminder{{Offset: -10 * time.Minute}},
	}, inst)
	return inst
}
