package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/config"
	"github.com/runnerr0/calwatch/internal/storage"
)

type inspectAlertJSON struct {
	AlertTime     string `json:"alert_time"`
	InstanceStart string `json:"instance_start"`
	InstanceEnd   string `json:"instance_end,omitempty"`
	AllDay        bool   `json:"all_day"`
	CreatedByUs   bool   `json:"created_by_us"`
	Handled       bool   `json:"handled"`
	PreMuted      bool   `json:"pre_muted"`
}

type inspectReminderJSON struct {
	Offset     string `json:"offset,omitempty"`
	RelatedEnd bool   `json:"related_end,omitempty"`
	Absolute   string `json:"absolute,omitempty"`
	Default    bool   `json:"default,omitempty"`
}

type inspectJSON struct {
	EventID   int64                 `json:"event_id"`
	InSource  bool                  `json:"in_source"`
	Calendar  string                `json:"calendar,omitempty"`
	Title     string                `json:"title,omitempty"`
	Location  string                `json:"location,omitempty"`
	Recurring bool                  `json:"recurring"`
	Reminders []inspectReminderJSON `json:"reminders"`
	Alerts    []inspectAlertJSON    `json:"alerts"`
}

// Execute implements the go-flags Commander interface for InspectCommand.
func (c *InspectCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWith(context.Background(), e.cfg, e.store, nil, e.log)
}

func (c *InspectCommand) executeWith(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, src calendar.Source, logger *slog.Logger) error {
	d, _, err := oneShot(cfg, store, src, nil, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	entries, err := store.EventAlerts(ctx, c.Event)
	if err != nil {
		return err
	}

	details, err := d.Source().EventDetails(ctx, c.Event)
	if err != nil && !errors.Is(err, calendar.ErrEventNotFound) {
		return fmt.Errorf("look up event %d: %w", c.Event, err)
	}
	if details == nil && len(entries) == 0 {
		return fmt.Errorf("event %d: %w", c.Event, calendar.ErrEventNotFound)
	}

	out := inspectJSON{
		EventID:   c.Event,
		InSource:  details != nil,
		Reminders: []inspectReminderJSON{},
		Alerts:    make([]inspectAlertJSON, 0, len(entries)),
	}
	if details != nil {
		out.Calendar = details.Calendar
		out.Title = details.Title
		out.Location = details.Location
		out.Recurring = details.Recurring
		for _, r := range details.Reminders {
			rj := inspectReminderJSON{RelatedEnd: r.RelatedEnd, Default: r.CreatedByUs}
			if r.Absolute.IsZero() {
				rj.Offset = r.Offset.String()
			} else {
				rj.Absolute = rfc3339(r.Absolute)
			}
			out.Reminders = append(out.Reminders, rj)
		}
	}
	for _, e := range entries {
		out.Alerts = append(out.Alerts, inspectAlertJSON{
			AlertTime:     rfc3339(e.AlertTime),
			InstanceStart: rfc3339(e.InstanceStart),
			InstanceEnd:   rfc3339(e.InstanceEnd),
			AllDay:        e.IsAllDay,
			CreatedByUs:   e.CreatedByUs,
			Handled:       e.WasHandled,
			PreMuted:      e.Flags.PreMuted(),
		})
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(out)
	}

	fmt.Printf("Event %d\n", c.Event)
	if details == nil {
		fmt.Println("Not present in the calendar feeds.")
	} else {
		fmt.Printf("Title:     %s\n", details.Title)
		fmt.Printf("Calendar:  %s\n", details.Calendar)
		if details.Location != "" {
			fmt.Printf("Location:  %s\n", details.Location)
		}
		fmt.Printf("Recurring: %s\n", yesNo(details.Recurring))
		fmt.Println()
		fmt.Println("Reminders:")
		if len(details.Reminders) == 0 {
			fmt.Println("  (none)")
		}
		for _, r := range details.Reminders {
			fmt.Printf("  %s\n", describeReminder(r))
		}
	}

	fmt.Println()
	fmt.Printf("Stored alerts: %d\n", len(entries))
	for _, e := range entries {
		state := "pending"
		if e.WasHandled {
			state = "handled"
		}
		if e.Flags.PreMuted() {
			state += ", muted"
		}
		fmt.Printf("  %s  instance %s  [%s]\n", formatTime(e.AlertTime), formatTime(e.InstanceStart), state)
	}
	return nil
}

func describeReminder(r calendar.Reminder) string {
	var s string
	switch {
	case !r.Absolute.IsZero():
		s = "at " + formatTime(r.Absolute)
	case r.Offset <= 0:
		anchor := "start"
		if r.RelatedEnd {
			anchor = "end"
		}
		s = fmt.Sprintf("%s before %s", (-r.Offset).String(), anchor)
	default:
		anchor := "start"
		if r.RelatedEnd {
			anchor = "end"
		}
		s = fmt.Sprintf("%s after %s", r.Offset.Round(time.Second).String(), anchor)
	}
	if r.CreatedByUs {
		s += " (default)"
	}
	return s
}
