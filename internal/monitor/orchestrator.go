package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/runnerr0/calwatch/internal/calendar"
)

// Trigger names why a pass was requested.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerBoot
	TriggerSourceChanged
	TriggerAlarmFired
	TriggerAlertFired
	TriggerRetry
	TriggerHorizonRefresh
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerBoot:
		return "boot"
	case TriggerSourceChanged:
		return "source_changed"
	case TriggerAlarmFired:
		return "alarm_fired"
	case TriggerAlertFired:
		return "alert_fired"
	case TriggerRetry:
		return "retry"
	case TriggerHorizonRefresh:
		return "horizon_refresh"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// Request asks the orchestrator for a pass.
type Request struct {
	Trigger      Trigger
	StartDelay   time.Duration
	ReloadSource bool
	RescanAlerts bool
}

// merge folds o into r. Flags are OR-ed; the trigger of the first request is kept.
func (r Request) merge(o Request) Request {
	r.ReloadSource = r.ReloadSource || o.ReloadSource
	r.RescanAlerts = r.RescanAlerts || o.RescanAlerts
	if o.StartDelay < r.StartDelay {
		r.StartDelay = o.StartDelay
	}
	return r
}

// Phase is the orchestrator's state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseScheduled
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScheduled:
		return "scheduled"
	case PhaseRunning:
		return "running"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// PassResult describes one completed pass.
type PassResult struct {
	ID            string
	Request       Request
	Scanned       bool
	Scan          *ScanResult
	ReloadErr     error
	ScanErr       error
	Decision      Decision
	RescheduleErr error
	// FollowUp is the pass the orchestrator queues next, if any.
	FollowUp *Request
}

// Err joins the errors of the pass.
func (r PassResult) Err() error {
	return errors.Join(r.ReloadErr, r.ScanErr, r.RescheduleErr)
}

// Orchestrator serializes rescans. Requests are coalesced into at most one
// scheduled pass; requests that arrive while a pass runs are queued and run
// afterwards.
type Orchestrator struct {
	source    calendar.Source
	scanner   *Scanner
	scheduler *AlarmScheduler
	settings  Settings
	hooks     Hooks
	opts      Options
	log       *slog.Logger

	requests chan Request
	done     chan PassResult
	stopped  chan struct{}

	passMu  sync.Mutex
	phase   atomic.Int32
	started atomic.Bool
	passes  atomic.Int64
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, scanner *Scanner, scheduler *AlarmScheduler, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		source:    deps.Source,
		scanner:   scanner,
		scheduler: scheduler,
		settings:  deps.Settings,
		hooks:     deps.Hooks,
		opts:      opts,
		log:       opts.Logger.With("component", "orchestrator"),
		requests:  make(chan Request, 64),
		done:      make(chan PassResult, 1),
		stopped:   make(chan struct{}),
	}
}

// Phase returns the current state.
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

// Passes returns how many passes have completed.
func (o *Orchestrator) Passes() int64 {
	return o.passes.Load()
}

// Request enqueues a pass request without waiting for it to run. Requests
// made after Run has returned are discarded.
func (o *Orchestrator) Request(req Request) {
	select {
	case o.requests <- req:
	case <-o.stopped:
	}
}

// Run drives the state machine until ctx is cancelled. A pass in flight is
// allowed to finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}
	defer close(o.stopped)

	var (
		pending  *Request // scheduled, waiting for the timer
		queued   *Request // arrived while running
		deadline time.Time
		timer    *time.Timer
		timerC   <-chan time.Time
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		timerC = nil
	}
	defer stopTimer()

	schedule := func(req Request) {
		at := o.opts.Now().Add(req.StartDelay)
		if pending == nil {
			r := req
			pending = &r
			deadline = at
		} else {
			merged := pending.merge(req)
			pending = &merged
			if at.Before(deadline) {
				deadline = at
			}
		}
		stopTimer()
		d := deadline.Sub(o.opts.Now())
		if d < 0 {
			d = 0
		}
		timer = time.NewTimer(d)
		timerC = timer.C
		o.phase.Store(int32(PhaseScheduled))
	}

	for {
		select {
		case <-ctx.Done():
			if o.Phase() == PhaseRunning {
				<-o.done
			}
			o.phase.Store(int32(PhaseIdle))
			return nil

		case req := <-o.requests:
			if o.Phase() == PhaseRunning {
				if queued == nil {
					r := req
					queued = &r
				} else {
					merged := queued.merge(req)
					queued = &merged
				}
				continue
			}
			schedule(req)

		case <-timerC:
			timer, timerC = nil, nil
			req := *pending
			pending = nil
			o.phase.Store(int32(PhaseRunning))
			go func() {
				o.done <- o.pass(ctx, req)
			}()

		case res := <-o.done:
			o.phase.Store(int32(PhaseIdle))
			if res.FollowUp != nil {
				if queued == nil {
					queued = res.FollowUp
				} else {
					merged := queued.merge(*res.FollowUp)
					queued = &merged
				}
			}
			if queued != nil {
				req := *queued
				queued = nil
				schedule(req)
			}
		}
	}
}

// RunOnce executes one pass synchronously. It waits for any background pass
// to finish and does not queue follow-ups.
func (o *Orchestrator) RunOnce(ctx context.Context, req Request) (PassResult, error) {
	res := o.pass(ctx, req)
	return res, res.Err()
}

func (o *Orchestrator) pass(ctx context.Context, req Request) PassResult {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	res := PassResult{ID: uuid.NewString()[:8], Request: req}
	log := o.log.With("pass", res.ID, "trigger", req.Trigger.String())
	passesTotal.WithLabelValues(req.Trigger.String()).Inc()
	log.Debug("pass started", "reload", req.ReloadSource, "rescan", req.RescanAlerts)

	if req.ReloadSource {
		if err := o.source.Reload(ctx); err != nil {
			res.ReloadErr = fmt.Errorf("reload source: %w", err)
			log.Warn("source reload failed", "error", err)
		}
	}

	if req.RescanAlerts && o.settings.PeriodicRescanEnabled() {
		res.Scanned = true
		res.Scan, res.ScanErr = o.scanner.Scan(ctx)
		if res.ScanErr != nil {
			log.Warn("scan failed", "error", res.ScanErr)
		}
	}

	res.Decision, res.RescheduleErr = o.scheduler.Reschedule(ctx)
	if res.RescheduleErr != nil {
		log.Error("reschedule failed", "error", res.RescheduleErr)
	}

	switch {
	case res.RescheduleErr == nil && res.Decision.Action == ActionImmediate:
		delay := time.Duration(0)
		if res.Scanned || res.ReloadErr != nil {
			delay = o.opts.RetryDelay
		}
		res.FollowUp = &Request{
			Trigger:      TriggerRetry,
			ReloadSource: res.ReloadErr != nil,
			RescanAlerts: true,
			StartDelay:   delay,
		}
	case res.ReloadErr != nil || res.ScanErr != nil || res.RescheduleErr != nil:
		res.FollowUp = &Request{
			Trigger:      TriggerRetry,
			ReloadSource: res.ReloadErr != nil,
			RescanAlerts: true,
			StartDelay:   o.opts.RetryDelay,
		}
	}

	o.hooks.afterEventFired(ctx)
	o.passes.Add(1)

	log.Debug("pass finished", "action", res.Decision.Action.String(), "at", res.Decision.At)
	return res
}
