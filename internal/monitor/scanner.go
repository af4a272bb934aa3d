package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runnerr0/calwatch/internal/calendar"
	"github.com/runnerr0/calwatch/internal/storage"
)

// ScanResult summarizes one scanner run.
type ScanResult struct {
	From       time.Time
	To         time.Time
	FirstScan  bool
	Discovered int
	Suppressed int
	Skipped    int
	Fired      int
	// NextAlert is the earliest alert still pending after the run, zero if none.
	NextAlert time.Time
}

// Scanner is the periodic path. Each run reads the alert window that follows
// the previous one, records what it finds and surfaces what is due.
type Scanner struct {
	store    storage.AlertStore
	state    storage.StateStore
	source   calendar.Source
	resolver resolver
	dispatch *dispatcher
	opts     Options
	log      *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(deps Deps, opts Options) *Scanner {
	opts = opts.withDefaults()
	log := opts.Logger.With("component", "scanner")
	return &Scanner{
		store:    deps.Store,
		state:    deps.State,
		source:   deps.Source,
		resolver: resolver{settings: deps.Settings, log: log},
		dispatch: &dispatcher{
			store:    deps.Store,
			source:   deps.Source,
			notifier: deps.Notifier,
			settings: deps.Settings,
			log:      log,
		},
		opts: opts,
		log:  log,
	}
}

// Scan runs one pass. When the source cannot be queried nothing is written
// and the cursor stays where it was. A notifier failure is reported after the
// cursor has advanced; the claimed alerts stay handled.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	start := time.Now()
	res, err := s.scan(ctx)
	scanDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		scansTotal.WithLabelValues("error").Inc()
		return res, err
	}
	scansTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (s *Scanner) scan(ctx context.Context) (*ScanResult, error) {
	prev, err := s.state.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load monitor state: %w", err)
	}

	now := s.opts.Now()
	res := &ScanResult{FirstScan: prev.FirstScanEver}

	res.From = prev.PrevEventScanTo
	if prev.FirstScanEver || res.From.IsZero() {
		res.From = now.Add(-s.opts.FirstScanLookback)
	}
	res.To = maxTime(now.Add(s.opts.Lookahead), res.From)

	instances, err := s.source.QueryAlerts(ctx, res.From, res.To)
	if err != nil {
		return res, fmt.Errorf("query alerts %s..%s: %w",
			res.From.Format(time.RFC3339), res.To.Format(time.RFC3339), err)
	}

	cache := newDetailsCache(s.source)
	entries, skipped := s.resolver.resolve(ctx, cache, instances)
	res.Discovered = len(entries)
	res.Skipped = skipped

	due := now.Add(s.opts.AlarmThreshold)
	if prev.FirstScanEver {
		for i := range entries {
			if !entries[i].AlertTime.After(due) {
				entries[i].WasHandled = true
				res.Suppressed++
			}
		}
		if res.Suppressed > 0 {
			firstScanSuppressed.Add(float64(res.Suppressed))
			s.log.Info("first scan: recording past alerts as handled", "count", res.Suppressed)
		}
	}

	if err := s.store.UpsertAlerts(ctx, entries); err != nil {
		return res, fmt.Errorf("record alerts: %w", err)
	}

	// Due alerts the push path missed, including ones recorded by earlier
	// runs. No unhandled entry is older than the previous fire cursor.
	var dispatchErr error
	if !prev.FirstScanEver {
		dueFrom := prev.PrevEventFireFromScan
		if dueFrom.IsZero() || dueFrom.After(res.From) {
			dueFrom = res.From
		}
		pending, err := s.store.UnhandledAlerts(ctx, dueFrom, due)
		if err != nil {
			return res, fmt.Errorf("load due alerts: %w", err)
		}
		res.Fired, dispatchErr = s.dispatch.dispatch(ctx, "scan", cache, pending)
	}

	next, ok, err := s.store.NextUnhandledAlertTime(ctx)
	if err != nil {
		return res, fmt.Errorf("next unhandled alert: %w", err)
	}
	if ok {
		res.NextAlert = next
	}

	st := storage.MonitorState{
		FirstScanEver:         false,
		PrevEventScanTo:       res.To,
		PrevEventFireFromScan: minTime(res.From, res.NextAlert),
		NextEventFireFromScan: res.NextAlert,
	}
	if err := s.state.SaveState(ctx, st); err != nil {
		return res, fmt.Errorf("save monitor state: %w", err)
	}

	s.log.Debug("scan complete",
		"from", res.From, "to", res.To,
		"discovered", res.Discovered, "suppressed", res.Suppressed,
		"skipped", res.Skipped, "fired", res.Fired, "next", res.NextAlert)

	if dispatchErr != nil {
		return res, dispatchErr
	}
	return res, nil
}
