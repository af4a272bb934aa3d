package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/runnerr0/calwatch/internal/config"
	"github.com/runnerr0/calwatch/internal/storage"
)

// Execute implements the go-flags Commander interface for PruneCommand.
func (c *PruneCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithStore(context.Background(), e.cfg, e.store, time.Now())
}

// executeWithStore prunes against a provided store and clock (for testing).
func (c *PruneCommand) executeWithStore(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, now time.Time) error {
	retention := time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour
	if c.OlderThan != "" {
		d, err := parseDuration(c.OlderThan)
		if err != nil {
			return err
		}
		retention = d
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be positive (set storage.retention_days or --older-than)")
	}
	cutoff := now.Add(-retention)

	var (
		n   int64
		err error
	)
	if c.DryRun {
		n, err = store.CountPrunable(ctx, cutoff)
	} else {
		n, err = store.PruneHandled(ctx, cutoff)
	}
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]any{
			"dry_run": c.DryRun,
			"cutoff":  rfc3339(cutoff),
			"count":   n,
		})
	}

	verb := "Pruned"
	if c.DryRun {
		verb = "Would prune"
	}
	fmt.Printf("%s %s handled alerts older than %s.\n", verb, formatNumber(n), formatDurationHuman(retention))
	return nil
}
