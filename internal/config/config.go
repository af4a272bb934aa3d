package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Default config file path.
const DefaultConfigPath = "~/.config/calwatch/config.yaml"

// Config holds all calwatch configuration.
type Config struct {
	Monitor   MonitorConfig   `yaml:"monitor"`
	Calendars CalendarsConfig `yaml:"calendars"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// MonitorConfig tunes scanning and wake-up scheduling.
type MonitorConfig struct {
	EnablePeriodicRescan bool          `yaml:"enable_periodic_rescan"`
	AlarmThreshold       time.Duration `yaml:"alarm_threshold"`
	Lookahead            time.Duration `yaml:"lookahead"`
	FirstScanLookback    time.Duration `yaml:"first_scan_lookback"`
	StartDelay           time.Duration `yaml:"start_delay"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	PeriodicCheck        string        `yaml:"periodic_check"`
	HandledCalendars     []string      `yaml:"handled_calendars"`
	MutedCalendars       []string      `yaml:"muted_calendars"`
	MutedEvents          []int64       `yaml:"muted_events"`
}

// CalendarsConfig lists the iCalendar feeds to watch.
type CalendarsConfig struct {
	Feeds           []FeedConfig  `yaml:"feeds"`
	DefaultReminder time.Duration `yaml:"default_reminder"`
	ReminderHorizon time.Duration `yaml:"reminder_horizon"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
}

// FeedConfig is one calendar: a local .ics path or an http(s) URL.
type FeedConfig struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
}

type StorageConfig struct {
	Path          string `yaml:"path"`
	SQLiteFile    string `yaml:"sqlite_file"`
	RetentionDays int    `yaml:"retention_days"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads a YAML config file at path and merges it with defaults.
// Returns an error if the file cannot be read, contains invalid YAML, or
// fails validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the monitor cannot run with.
func (c *Config) Validate() error {
	if c.Monitor.AlarmThreshold <= 0 {
		return fmt.Errorf("invalid config: monitor.alarm_threshold must be positive, got %s", c.Monitor.AlarmThreshold)
	}
	if c.Monitor.Lookahead <= 0 {
		return fmt.Errorf("invalid config: monitor.lookahead must be positive, got %s", c.Monitor.Lookahead)
	}
	if c.Monitor.FirstScanLookback < 0 {
		return fmt.Errorf("invalid config: monitor.first_scan_lookback must not be negative")
	}
	// gronx also accepts a seconds field; the periodic check is minute-grained.
	if len(strings.Fields(c.Monitor.PeriodicCheck)) != 5 || !gronx.IsValid(c.Monitor.PeriodicCheck) {
		return fmt.Errorf("invalid config: monitor.periodic_check %q, expected 5-field cron expression", c.Monitor.PeriodicCheck)
	}
	seen := make(map[string]bool, len(c.Calendars.Feeds))
	for i, f := range c.Calendars.Feeds {
		if f.Name == "" || f.Source == "" {
			return fmt.Errorf("invalid config: calendars.feeds[%d] needs both name and source", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("invalid config: duplicate calendar name %q", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// DatabasePath returns the expanded path of the SQLite file.
func (c *Config) DatabasePath() (string, error) {
	dir, err := expandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

// FeedSources returns the feeds with any leading ~ expanded in local paths.
func (c *Config) FeedSources() ([]FeedConfig, error) {
	feeds := make([]FeedConfig, 0, len(c.Calendars.Feeds))
	for _, f := range c.Calendars.Feeds {
		src := f.Source
		if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
			var err error
			if src, err = expandPath(src); err != nil {
				return nil, err
			}
		}
		feeds = append(feeds, FeedConfig{Name: f.Name, Source: src})
	}
	return feeds, nil
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := expandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}
