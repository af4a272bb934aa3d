package cli

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/runnerr0/calwatch/internal/alarm"
	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/config"
	"github.com/runnerr0/calwatch/internal/daemon"
	"github.com/runnerr0/calwatch/internal/logging"
	"github.com/runnerr0/calwatch/internal/notify"
	"github.com/runnerr0/calwatch/internal/storage"
)

// env is everything a command needs from the local installation.
type env struct {
	cfg      *config.Config
	store    *storage.SQLiteStore
	db       *sql.DB
	dbPath   string
	log      *slog.Logger
	closeLog func() error
}

// openEnv loads the config, builds the logger and opens the database.
func openEnv(globals *GlobalFlags) (*env, error) {
	cfg, err := loadConfig(globals)
	if err != nil {
		return nil, err
	}

	verbose := globals != nil && globals.Verbose
	logger, closeLog, err := logging.New(cfg.Logging, verbose)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		closeLog() //nolint:errcheck
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	store, db, err := storage.Open(dbPath)
	if err != nil {
		closeLog() //nolint:errcheck
		return nil, err
	}

	return &env{cfg: cfg, store: store, db: db, dbPath: dbPath, log: logger, closeLog: closeLog}, nil
}

func (e *env) Close() {
	e.store.Close()
	e.db.Close()
	e.closeLog() //nolint:errcheck
}

// loadConfig reads --config when given, else the default config file,
// creating it on first use.
func loadConfig(globals *GlobalFlags) (*config.Config, error) {
	if globals != nil && globals.Config != "" {
		return config.Load(globals.Config)
	}
	return config.LoadOrCreate()
}

// oneShot wires a monitor for a single command. The wake-up it computes is
// recorded rather than armed because the process exits right after.
func oneShot(cfg *config.Config, store *storage.SQLiteStore, src calendar.Source, notifier notify.Notifier, logger *slog.Logger) (*daemon.Daemon, *alarm.Manual, error) {
	wake := alarm.NewManual(nil)
	d, err := daemon.New(daemon.Options{
		Config:   cfg,
		Store:    store,
		Source:   src,
		Notifier: notifier,
		Alarm:    wake,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return d, wake, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDuration parses a human-friendly duration string like "30d", "7d", "24h", "2w".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty string")
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]

	n, err := strconv.Atoi(numStr)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	default:
		return 0, fmt.Errorf("invalid duration: %q (use d, h, w, or m suffix)", s)
	}
}

// formatDurationHuman formats a duration into a human-readable string like "30 days".
func formatDurationHuman(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days > 0 {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d.Hours())
	if hours > 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return d.String()
}

// formatTime renders t in local time, or "-" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// rfc3339 renders t for JSON output; the zero time becomes "".
func rfc3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// formatNumber formats an int64 with comma separators.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
		if len(s) > remainder {
			result.WriteString(",")
		}
	}
	for i := remainder; i < len(s); i += 3 {
		if i > remainder {
			result.WriteString(",")
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
