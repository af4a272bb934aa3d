package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/config"
	"github.com/runnerr0/calwatch/internal/monitor"
	"github.com/runnerr0/calwatch/internal/notify"
	"github.com/runnerr0/calwatch/internal/storage"
)

// Execute implements the go-flags Commander interface for FireCommand.
func (c *FireCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWith(context.Background(), e.cfg, e.store, nil, nil, e.log)
}

func (c *FireCommand) executeWith(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, src calendar.Source, notifier notify.Notifier, logger *slog.Logger) error {
	d, _, err := oneShot(cfg, store, src, notifier, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Broadcast().Handle(ctx, monitor.ReminderSignal{Raw: c.AlertTime})
	if err != nil {
		return fmt.Errorf("fire reminder: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]any{
			"alert_time": rfc3339(res.AlertTime),
			"found":      res.Found,
			"recorded":   res.Recorded,
			"fired":      res.Fired,
		})
	}

	fmt.Printf("Alert time:  %s\n", formatTime(res.AlertTime))
	fmt.Printf("Found:       %d\n", res.Found)
	fmt.Printf("Recorded:    %d\n", res.Recorded)
	fmt.Printf("Fired:       %d\n", res.Fired)
	return nil
}
