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

// scanJSON is the JSON output structure for the scan command.
type scanJSON struct {
	Pass       string `json:"pass"`
	Scanned    bool   `json:"scanned"`
	FirstScan  bool   `json:"first_scan"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Discovered int    `json:"discovered"`
	Suppressed int    `json:"suppressed"`
	Skipped    int    `json:"skipped"`
	Fired      int    `json:"fired"`
	NextAlert  string `json:"next_alert,omitempty"`
	WakeUp     string `json:"wake_up"`
	WakeUpAt   string `json:"wake_up_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Execute implements the go-flags Commander interface for ScanCommand.
func (c *ScanCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWith(context.Background(), e.cfg, e.store, nil, nil, e.log)
}

// executeWith runs one pass against the given store. A nil source or
// notifier falls back to the configured feeds and the log notifier.
func (c *ScanCommand) executeWith(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, src calendar.Source, notifier notify.Notifier, logger *slog.Logger) error {
	d, _, err := oneShot(cfg, store, src, notifier, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	res, passErr := d.Orchestrator().RunOnce(ctx, monitor.Request{
		Trigger:      monitor.TriggerManual,
		ReloadSource: c.Reload,
		RescanAlerts: true,
	})

	if c.globals != nil && c.globals.JSON {
		out := scanJSON{
			Pass:     res.ID,
			Scanned:  res.Scanned,
			WakeUp:   res.Decision.Action.String(),
			WakeUpAt: rfc3339(res.Decision.At),
		}
		if s := res.Scan; s != nil {
			out.FirstScan = s.FirstScan
			out.From = rfc3339(s.From)
			out.To = rfc3339(s.To)
			out.Discovered = s.Discovered
			out.Suppressed = s.Suppressed
			out.Skipped = s.Skipped
			out.Fired = s.Fired
			out.NextAlert = rfc3339(s.NextAlert)
		}
		if passErr != nil {
			out.Error = passErr.Error()
		}
		if err := printJSON(out); err != nil {
			return err
		}
		return passErr
	}

	fmt.Printf("Scan pass %s\n", res.ID)
	if !res.Scanned {
		fmt.Println("Periodic rescan is disabled; nothing scanned.")
	}
	if s := res.Scan; s != nil {
		fmt.Printf("Window:      %s .. %s\n", formatTime(s.From), formatTime(s.To))
		fmt.Printf("First scan:  %s\n", yesNo(s.FirstScan))
		fmt.Printf("Discovered:  %d\n", s.Discovered)
		fmt.Printf("Suppressed:  %d\n", s.Suppressed)
		fmt.Printf("Skipped:     %d\n", s.Skipped)
		fmt.Printf("Fired:       %d\n", s.Fired)
		fmt.Printf("Next alert:  %s\n", formatTime(s.NextAlert))
	}
	fmt.Printf("Wake-up:     %s\n", describeDecision(res.Decision))

	return passErr
}

func describeDecision(d monitor.Decision) string {
	switch d.Action {
	case monitor.ActionCancelled:
		return "none (periodic rescan disabled)"
	case monitor.ActionImmediate:
		return fmt.Sprintf("immediate (alert due %s)", formatTime(d.At))
	}
	return fmt.Sprintf("%s at %s", d.Action, formatTime(d.At))
}
