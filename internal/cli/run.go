package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/runnerr0/calwatch/internal/daemon"
)

// Execute implements the go-flags Commander interface for RunCommand.
func (c *RunCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := daemon.New(daemon.Options{Config: e.cfg, Store: e.store, Logger: e.log})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e.log.Info("starting calwatch", "version", c.version, "database", e.dbPath)
	return d.Run(ctx)
}
