package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/runnerr0/calwatch/internal/alarm"
	"github.com/runnerr0/calwatch/internal/config"
	"github.com/runnerr0/calwatch/internal/monitor"
	"github.com/runnerr0/calwatch/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version           string `json:"version"`
	DatabasePath      string `json:"database_path"`
	DatabaseSizeBytes int64  `json:"database_size_bytes"`
	FirstScanPending  bool   `json:"first_scan_pending"`
	ScannedThrough    string `json:"scanned_through,omitempty"`
	FireFrom          string `json:"fire_from,omitempty"`
	NextFromScan      string `json:"next_from_scan,omitempty"`
	TotalAlerts       int64  `json:"total_alerts"`
	HandledAlerts     int64  `json:"handled_alerts"`
	UnhandledAlerts   int64  `json:"unhandled_alerts"`
	PreMutedAlerts    int64  `json:"pre_muted_alerts"`
	NextUnhandled     string `json:"next_unhandled,omitempty"`
	WakeUp            string `json:"wake_up"`
	WakeUpAt          string `json:"wake_up_at,omitempty"`
	PeriodicRescan    bool   `json:"periodic_rescan"`
	Calendars         int    `json:"calendars"`
	RetentionDays     int    `json:"retention_days"`
	DaemonRunning     bool   `json:"daemon_running"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithStore(e.cfg, e.store, e.db, e.dbPath, e.log)
}

// executeWithStore runs status against a provided store and db (for testing).
func (c *StatusCommand) executeWithStore(cfg *config.Config, store *storage.SQLiteStore, db *sql.DB, dbPath string, logger *slog.Logger) error {
	ctx := context.Background()

	state, err := store.LoadState(ctx)
	if err != nil {
		return err
	}
	stats, err := store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	// The decision is computed against a recording alarm; nothing is armed.
	sched := monitor.NewAlarmScheduler(monitor.Deps{
		Store:    store,
		State:    store,
		Settings: cfg.Monitor,
		Alarm:    alarm.NewManual(nil),
	}, monitor.Options{
		AlarmThreshold: cfg.Monitor.AlarmThreshold,
		PeriodicCheck:  cfg.Monitor.PeriodicCheck,
		Logger:         logger,
	})
	decision, err := sched.Reschedule(ctx)
	if err != nil {
		return fmt.Errorf("compute next wake-up: %w", err)
	}

	dbSize := getDatabaseSize(db, dbPath)
	daemonRunning := checkDaemon(cfg.Metrics.Listen)

	if c.globals != nil && c.globals.JSON {
		return printJSON(statusJSON{
			Version:           c.version,
			DatabasePath:      dbPath,
			DatabaseSizeBytes: dbSize,
			FirstScanPending:  state.FirstScanEver,
			ScannedThrough:    rfc3339(state.PrevEventScanTo),
			FireFrom:          rfc3339(state.PrevEventFireFromScan),
			NextFromScan:      rfc3339(state.NextEventFireFromScan),
			TotalAlerts:       stats.TotalAlerts,
			HandledAlerts:     stats.HandledAlerts,
			UnhandledAlerts:   stats.UnhandledAlerts,
			PreMutedAlerts:    stats.PreMutedAlerts,
			NextUnhandled:     rfc3339(stats.NextUnhandled),
			WakeUp:            decision.Action.String(),
			WakeUpAt:          rfc3339(decision.At),
			PeriodicRescan:    cfg.Monitor.EnablePeriodicRescan,
			Calendars:         len(cfg.Calendars.Feeds),
			RetentionDays:     cfg.Storage.RetentionDays,
			DaemonRunning:     daemonRunning,
		})
	}

	fmt.Println("calwatch Status")
	fmt.Println("===============")
	fmt.Printf("Version:         %s\n", c.version)
	fmt.Printf("Database:        %s (%s)\n", dbPath, formatBytes(dbSize))
	fmt.Printf("Calendars:       %d\n", len(cfg.Calendars.Feeds))
	fmt.Printf("Periodic rescan: %s\n", yesNo(cfg.Monitor.EnablePeriodicRescan))
	fmt.Println()
	if state.FirstScanEver {
		fmt.Println("Scan cursor:     first scan pending")
	} else {
		fmt.Printf("Scanned through: %s\n", formatTime(state.PrevEventScanTo))
		fmt.Printf("Fire from:       %s\n", formatTime(state.PrevEventFireFromScan))
	}
	fmt.Println()
	fmt.Printf("Alerts:          %s\n", formatNumber(stats.TotalAlerts))
	fmt.Printf("  handled:       %s\n", formatNumber(stats.HandledAlerts))
	fmt.Printf("  pending:       %s\n", formatNumber(stats.UnhandledAlerts))
	fmt.Printf("  muted:         %s\n", formatNumber(stats.PreMutedAlerts))
	if stats.TotalAlerts > 0 {
		fmt.Printf("Oldest:          %s\n", stats.OldestInstance.Local().Format("2006-01-02"))
		fmt.Printf("Newest:          %s\n", stats.NewestInstance.Local().Format("2006-01-02"))
	}
	fmt.Printf("Next alert:      %s\n", formatTime(stats.NextUnhandled))
	fmt.Printf("Next wake-up:    %s\n", describeDecision(decision))
	fmt.Printf("Retention:       %d days\n", cfg.Storage.RetentionDays)
	fmt.Println()
	if daemonRunning {
		fmt.Println("Daemon:          running")
	} else {
		fmt.Println("Daemon:          not running")
	}

	return nil
}

// getDatabaseSize returns the database file size in bytes.
// For on-disk databases, it uses os.Stat. For in-memory databases,
// it queries page_count * page_size.
func getDatabaseSize(db *sql.DB, dbPath string) int64 {
	if info, err := os.Stat(dbPath); err == nil {
		return info.Size()
	}

	var pageCount, pageSize int64
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0
	}
	return pageCount * pageSize
}

// checkDaemon probes the daemon's metrics endpoint. It reports false when
// metrics are disabled or nothing answers within a second.
func checkDaemon(listen string) bool {
	if listen == "" {
		return false
	}
	client := &http.Client{Timeout: 1 * time.Second}
	resp, err := client.Get("http://" + listen + "/metrics")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// formatBytes formats a byte count into a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
