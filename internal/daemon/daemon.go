// Package daemon wires the calendar source, the store and the monitor into
// one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/runnerr0/calwatch/internal/alarm"
	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/config"
	"github.com/runnerr0/calwatch/internal/monitor"
	"github.com/runnerr0/calwatch/internal/notify"
	"github.com/runnerr0/calwatch/internal/storage"
)

// pruneInterval bounds how often handled entries are pruned.
const pruneInterval = time.Hour

// Store is what the daemon needs from persistence.
type Store interface {
	storage.AlertStore
	storage.StateStore
}

// Options configures New. Config and Store are required.
type Options struct {
	Config *config.Config
	Store  Store
	// Source defaults to an ICSSource over the configured feeds.
	Source calendar.Source
	// Notifier defaults to a LogNotifier.
	Notifier notify.Notifier
	// Alarm defaults to a TimerAlarm that requests a pass when it fires.
	Alarm  alarm.Alarm
	Logger *slog.Logger
	Now    func() time.Time
}

// Daemon is a fully wired monitor.
type Daemon struct {
	cfg    *config.Config
	store  Store
	source *emittingSource
	feeds  []calendar.Feed
	log    *slog.Logger
	now    func() time.Time

	timer     *alarm.TimerAlarm
	emitter   *calendar.ReminderEmitter
	orch      *monitor.Orchestrator
	broadcast *monitor.BroadcastHandler

	runCtx context.Context

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// New builds a Daemon. Nothing runs until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Store == nil {
		return nil, errors.New("daemon: config and store are required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	d := &Daemon{
		cfg:    cfg,
		store:  opts.Store,
		log:    logger,
		now:    now,
		runCtx: context.Background(),
	}

	feeds, err := cfg.FeedSources()
	if err != nil {
		return nil, fmt.Errorf("resolve feeds: %w", err)
	}
	for _, f := range feeds {
		d.feeds = append(d.feeds, calendar.Feed{Name: f.Name, Source: f.Source})
	}

	src := opts.Source
	if src == nil {
		src = calendar.NewICSSource(d.feeds, calendar.ICSOptions{
			DefaultReminder: cfg.Calendars.DefaultReminder,
			HTTPClient:      &http.Client{Timeout: cfg.Calendars.FetchTimeout},
			Logger:          logger.With("component", "calendar"),
		})
	}
	d.emitter = calendar.NewReminderEmitter(d.onReminder)
	d.source = &emittingSource{
		Source:  src,
		emitter: d.emitter,
		horizon: cfg.Calendars.ReminderHorizon,
		now:     now,
		log:     logger,
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger.With("component", "notify"))
	}

	wake := opts.Alarm
	if wake == nil {
		d.timer = alarm.NewTimerAlarm(d.onAlarm)
		wake = d.timer
	}

	deps := monitor.Deps{
		Store:    opts.Store,
		State:    opts.Store,
		Source:   d.source,
		Notifier: notifier,
		Settings: cfg.Monitor,
		Alarm:    wake,
		Hooks: monitor.Hooks{
			AlertFired:      d.onAlertFired,
			AfterEventFired: d.afterPass,
		},
	}
	mopts := monitor.Options{
		AlarmThreshold:    cfg.Monitor.AlarmThreshold,
		Lookahead:         cfg.Monitor.Lookahead,
		FirstScanLookback: cfg.Monitor.FirstScanLookback,
		PeriodicCheck:     cfg.Monitor.PeriodicCheck,
		RetryDelay:        cfg.Monitor.RetryDelay,
		Now:               now,
		Logger:            logger,
	}
	d.orch = monitor.NewOrchestrator(deps,
		monitor.NewScanner(deps, mopts),
		monitor.NewAlarmScheduler(deps, mopts),
		mopts,
	)
	d.broadcast = monitor.NewBroadcastHandler(deps, mopts)
	return d, nil
}

// Orchestrator returns the pass orchestrator.
func (d *Daemon) Orchestrator() *monitor.Orchestrator { return d.orch }

// Broadcast returns the reminder broadcast handler.
func (d *Daemon) Broadcast() *monitor.BroadcastHandler { return d.broadcast }

// Source returns the calendar source as the monitor sees it.
func (d *Daemon) Source() calendar.Source { return d.source }

// Close releases the in-process alarm.
func (d *Daemon) Close() {
	if d.timer != nil {
		d.timer.Close()
	}
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails.
func (d *Daemon) Run(ctx context.Context) error {
	var metricsLn net.Listener
	if addr := d.cfg.Metrics.Listen; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen metrics %s: %w", addr, err)
		}
		metricsLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)
	d.runCtx = gctx
	defer d.Close()

	if metricsLn != nil {
		d.serveMetrics(gctx, g, metricsLn)
	}

	g.Go(func() error {
		return d.orch.Run(gctx)
	})
	g.Go(func() error {
		d.emitter.Run(gctx)
		return nil
	})
	if every := d.cfg.Calendars.ReminderHorizon / 2; every > 0 {
		g.Go(func() error {
			d.refreshHorizon(gctx, every)
			return nil
		})
	}

	watcher, err := calendar.NewWatcher(d.feeds, d.onSourceChanged, d.log.With("component", "watcher"))
	if err != nil {
		d.log.Warn("calendar file watching disabled", "error", err)
	} else if watcher.Len() > 0 {
		g.Go(func() error {
			defer watcher.Stop() //nolint:errcheck
			watcher.Start(gctx)
			return nil
		})
	} else {
		watcher.Stop() //nolint:errcheck
	}

	d.orch.Request(monitor.Request{
		Trigger:      monitor.TriggerBoot,
		StartDelay:   d.cfg.Monitor.StartDelay,
		ReloadSource: true,
		RescanAlerts: true,
	})
	d.log.Info("calwatch started",
		"feeds", len(d.feeds),
		"periodic_rescan", d.cfg.Monitor.EnablePeriodicRescan,
		"metrics", d.cfg.Metrics.Listen)

	err = g.Wait()
	d.log.Info("calwatch stopped")
	return err
}

func (d *Daemon) serveMetrics(ctx context.Context, g *errgroup.Group, ln net.Listener) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	d.log.Info("metrics listening", "addr", ln.Addr().String())
}

// refreshHorizon reloads the source every interval so the emitter keeps
// covering ReminderHorizon ahead even when nothing else triggers a pass.
func (d *Daemon) refreshHorizon(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.orch.Request(monitor.Request{
				Trigger:      monitor.TriggerHorizonRefresh,
				ReloadSource: true,
			})
		}
	}
}

func (d *Daemon) onReminder(at time.Time) {
	if _, err := d.broadcast.Handle(d.runCtx, monitor.ReminderSignal{AlertTime: at}); err != nil {
		d.log.Warn("reminder broadcast failed", "alert_time", at, "error", err)
	}
}

func (d *Daemon) onAlarm(time.Time) {
	d.orch.Request(monitor.Request{
		Trigger:      monitor.TriggerAlarmFired,
		ReloadSource: true,
		RescanAlerts: true,
	})
}

func (d *Daemon) onSourceChanged() {
	d.orch.Request(monitor.Request{
		Trigger:      monitor.TriggerSourceChanged,
		StartDelay:   d.cfg.Monitor.StartDelay,
		ReloadSource: true,
		RescanAlerts: true,
	})
}

func (d *Daemon) onAlertFired(context.Context) {
	d.orch.Request(monitor.Request{Trigger: monitor.TriggerAlertFired})
}

// afterPass prunes old handled entries, at most once per pruneInterval.
func (d *Daemon) afterPass(ctx context.Context) {
	days := d.cfg.Storage.RetentionDays
	if days <= 0 {
		return
	}

	d.pruneMu.Lock()
	now := d.now()
	if !d.lastPrune.IsZero() && now.Sub(d.lastPrune) < pruneInterval {
		d.pruneMu.Unlock()
		return
	}
	d.lastPrune = now
	d.pruneMu.Unlock()

	cutoff := now.AddDate(0, 0, -days)
	n, err := d.store.PruneHandled(ctx, cutoff)
	if err != nil {
		d.log.Warn("prune handled alerts", "error", err)
		return
	}
	if n > 0 {
		d.log.Info("pruned handled alerts", "count", n, "cutoff", cutoff)
	}
}

// emittingSource refreshes the reminder emitter after every reload. Together
// with refreshHorizon this keeps the push path covering ReminderHorizon.
type emittingSource struct {
	calendar.Source
	emitter *calendar.ReminderEmitter
	horizon time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func (s *emittingSource) Reload(ctx context.Context) error {
	if err := s.Source.Reload(ctx); err != nil {
		return err
	}
	if s.horizon <= 0 {
		return nil
	}

	now := s.now()
	instances, err := s.Source.QueryAlerts(ctx, now, now.Add(s.horizon))
	if err != nil {
		s.log.Warn("refresh reminder emitter", "error", err)
		return nil
	}
	times := upcomingAlertTimes(instances)
	s.emitter.Replace(times)
	s.log.Debug("reminder emitter refreshed", "alert_times", len(times))
	return nil
}

// upcomingAlertTimes returns the distinct alert times, sorted.
func upcomingAlertTimes(instances []calendar.AlertInstance) []time.Time {
	seen := map[int64]bool{}
	var out []time.Time
	for _, inst := range instances {
		ms := inst.AlertTime.UnixMilli()
		if seen[ms] {
			continue
		}
		seen[ms] = true
		out = append(out, inst.AlertTime)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
