package config

import "time"

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Monitor: MonitorConfig{
			EnablePeriodicRescan: true,
			AlarmThreshold:       15 * time.Second,
			Lookahead:            72 * time.Hour,
			FirstScanLookback:    24 * time.Hour,
			StartDelay:           2 * time.Second,
			RetryDelay:           30 * time.Second,
			PeriodicCheck:        "*/30 * * * *",
			HandledCalendars:     []string{},
			MutedCalendars:       []string{},
			MutedEvents:          []int64{},
		},
		Calendars: CalendarsConfig{
			Feeds:           []FeedConfig{},
			DefaultReminder: 10 * time.Minute,
			ReminderHorizon: 24 * time.Hour,
			FetchTimeout:    30 * time.Second,
		},
		Storage: StorageConfig{
			Path:          "~/.config/calwatch",
			SQLiteFile:    "calwatch.db",
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}
