package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// Feed is one named calendar backed by a local .ics file or a URL.
type Feed struct {
	Name   string
	Source string
}

// ICSOptions configures an ICSSource.
type ICSOptions struct {
	// DefaultReminder is applied to events without any VALARM. Zero disables.
	DefaultReminder time.Duration
	// Location resolves floating times and all-day dates. Defaults to time.Local.
	Location   *time.Location
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// icsEvent is one parsed VEVENT plus its recurrence overrides.
type icsEvent struct {
	details   EventDetails
	duration  time.Duration
	set       *rrule.Set
	overrides []*icsEvent
	// recurrence IDs replaced by an override, in unix millis.
	replaced map[int64]bool
	// recurrenceID is set on overrides only.
	recurrenceID time.Time
}

// ICSSource implements Source over iCalendar feeds. Feeds are read on
// Reload; queries are answered from the last good snapshot.
type ICSSource struct {
	feeds []Feed
	opts  ICSOptions
	log   *slog.Logger

	mu       sync.RWMutex
	events   map[int64]*icsEvent
	order    []int64
	loaded   bool
	loadedAt time.Time
}

// NewICSSource creates a source for the given feeds. Nothing is read until
// the first Reload or query.
func NewICSSource(feeds []Feed, opts ICSOptions) *ICSSource {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ICSSource{
		feeds:  feeds,
		opts:   opts,
		log:    logger,
		events: map[int64]*icsEvent{},
	}
}

// Feeds returns the configured feeds.
func (s *ICSSource) Feeds() []Feed { return s.feeds }

// LoadedAt returns when the current snapshot was read.
func (s *ICSSource) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Reload re-reads every feed. On any failure the previous snapshot stays in
// place and the error is returned.
func (s *ICSSource) Reload(ctx context.Context) error {
	events := map[int64]*icsEvent{}
	var order []int64

	for _, f := range s.feeds {
		body, err := fetchFeed(ctx, s.opts.HTTPClient, f.Source)
		if err != nil {
			return fmt.Errorf("load calendar %q: %w", f.Name, err)
		}
		parsed, err := s.parseFeed(f.Name, body)
		if err != nil {
			return fmt.Errorf("parse calendar %q: %w", f.Name, err)
		}
		for _, ev := range parsed {
			id := ev.details.EventID
			if _, dup := events[id]; dup {
				s.log.Warn("duplicate event UID, keeping first", "calendar", f.Name, "uid", ev.details.UID)
				continue
			}
			events[id] = ev
			order = append(order, id)
		}
	}

	s.mu.Lock()
	s.events = events
	s.order = order
	s.loaded = true
	s.loadedAt = time.Now()
	s.mu.Unlock()

	s.log.Debug("calendar feeds loaded", "feeds", len(s.feeds), "events", len(order))
	return nil
}

func (s *ICSSource) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	return s.Reload(ctx)
}

// parseFeed decodes every VCALENDAR in body and returns master events with
// their overrides attached.
func (s *ICSSource) parseFeed(calendar, body string) ([]*icsEvent, error) {
	// Content lines are CRLF-delimited; hand-edited files often use bare LF.
	body = strings.ReplaceAll(strings.TrimPrefix(body, "\ufeff"), "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	dec := ical.NewDecoder(strings.NewReader(body))

	var masters []*icsEvent
	byUID := map[string]*icsEvent{}
	var pending []*icsEvent

	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode calendar: %w", err)
		}

		for _, ev := range cal.Events() {
			parsed, err := s.parseEvent(calendar, ev)
			if err != nil {
				s.log.Warn("skipping unparseable event", "calendar", calendar, "error", err)
				continue
			}
			if parsed == nil {
				continue
			}
			if !parsed.recurrenceID.IsZero() {
				pending = append(pending, parsed)
				continue
			}
			masters = append(masters, parsed)
			byUID[parsed.details.UID] = parsed
		}
	}

	for _, o := range pending {
		master, ok := byUID[o.details.UID]
		if !ok {
			// An orphaned override is a standalone occurrence.
			o.recurrenceID = time.Time{}
			masters = append(masters, o)
			byUID[o.details.UID] = o
			continue
		}
		master.overrides = append(master.overrides, o)
		master.replaced[o.recurrenceID.UnixMilli()] = true
	}

	return masters, nil
}

// parseEvent converts a VEVENT. Cancelled events yield nil.
func (s *ICSSource) parseEvent(calendar string, ev ical.Event) (*icsEvent, error) {
	loc := s.opts.Location

	if st := ev.Props.Get(ical.PropStatus); st != nil && strings.EqualFold(st.Value, "CANCELLED") {
		return nil, nil
	}

	startProp := ev.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, errors.New("missing DTSTART")
	}
	start, err := startProp.DateTime(loc)
	if err != nil {
		return nil, fmt.Errorf("parse DTSTART: %w", err)
	}
	allDay := startProp.ValueType() == ical.ValueDate || len(strings.TrimSpace(startProp.Value)) == len("20060102")

	end := start
	if p := ev.Props.Get(ical.PropDateTimeEnd); p != nil {
		if end, err = p.DateTime(loc); err != nil {
			return nil, fmt.Errorf("parse DTEND: %w", err)
		}
	} else if p := ev.Props.Get(ical.PropDuration); p != nil {
		d, err := p.Duration()
		if err != nil {
			return nil, fmt.Errorf("parse DURATION: %w", err)
		}
		end = start.Add(d)
	} else if allDay {
		end = start.AddDate(0, 0, 1)
	}

	uid := propText(ev.Component, ical.PropUID)
	title := propText(ev.Component, ical.PropSummary)
	if uid == "" {
		uid = start.Format(time.RFC3339) + "-" + title
	}

	out := &icsEvent{
		details: EventDetails{
			EventID:     EventID(calendar, uid),
			Calendar:    calendar,
			UID:         uid,
			Title:       title,
			Location:    propText(ev.Component, ical.PropLocation),
			Description: propText(ev.Component, ical.PropDescription),
			Start:       start,
			End:         end,
			AllDay:      allDay,
		},
		duration: end.Sub(start),
		replaced: map[int64]bool{},
	}

	if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil {
		if out.recurrenceID, err = rid.DateTime(loc); err != nil {
			return nil, fmt.Errorf("parse RECURRENCE-ID: %w", err)
		}
	} else {
		set, err := ev.RecurrenceSet(loc)
		if err != nil {
			return nil, fmt.Errorf("parse recurrence: %w", err)
		}
		out.set = set
		out.details.Recurring = set != nil
	}

	out.details.Reminders = s.parseReminders(ev.Component)
	return out, nil
}

func (s *ICSSource) parseReminders(comp *ical.Component) []Reminder {
	var reminders []Reminder
	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		trigger := child.Props.Get(ical.PropTrigger)
		if trigger == nil {
			continue
		}
		r := Reminder{Action: propText(child, ical.PropAction)}
		if trigger.ValueType() == ical.ValueDateTime {
			at, err := trigger.DateTime(time.UTC)
			if err != nil {
				s.log.Debug("ignoring alarm with bad trigger", "value", trigger.Value, "error", err)
				continue
			}
			r.Absolute = at
		} else {
			d, err := trigger.Duration()
			if err != nil {
				s.log.Debug("ignoring alarm with bad trigger", "value", trigger.Value, "error", err)
				continue
			}
			r.Offset = d
			r.RelatedEnd = strings.EqualFold(trigger.Params.Get("RELATED"), "END")
		}
		reminders = append(reminders, r)
	}

	if len(reminders) == 0 && s.opts.DefaultReminder > 0 {
		reminders = append(reminders, Reminder{Offset: -s.opts.DefaultReminder, Action: "DISPLAY", CreatedByUs: true})
	}
	return reminders
}

func propText(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

// QueryAlerts implements Source.
func (s *ICSSource) QueryAlerts(ctx context.Context, from, to time.Time) ([]AlertInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AlertInstance
	for _, id := range s.order {
		ev := s.events[id]
		out = ev.appendAlerts(out, ev.details.Calendar, from, to)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AlertTime.Equal(out[j].AlertTime) {
			return out[i].AlertTime.Before(out[j].AlertTime)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// appendAlerts adds the occurrences of ev whose alert time lies in [from, to].
func (ev *icsEvent) appendAlerts(out []AlertInstance, calendar string, from, to time.Time) []AlertInstance {
	for _, r := range ev.details.Reminders {
		if !r.Absolute.IsZero() {
			start := ev.details.Start
			t := r.AlertTime(start, start.Add(ev.duration))
			if !t.Before(from) && !t.After(to) {
				out = append(out, ev.instance(calendar, start, r))
			}
			continue
		}

		// alert = start + shift, so the instance must start in [from-shift, to-shift].
		shift := r.Offset
		if r.RelatedEnd {
			shift += ev.duration
		}
		if shift > 0 {
			shift = 0
		}
		for _, start := range ev.starts(from.Add(-shift), to.Add(-shift)) {
			out = append(out, ev.instance(calendar, start, r))
		}
	}

	for _, o := range ev.overrides {
		out = o.appendAlerts(out, calendar, from, to)
	}
	return out
}

// starts lists instance starts within [lo, hi], skipping overridden ones.
func (ev *icsEvent) starts(lo, hi time.Time) []time.Time {
	if ev.set == nil {
		if ev.details.Start.Before(lo) || ev.details.Start.After(hi) {
			return nil
		}
		return []time.Time{ev.details.Start}
	}

	var starts []time.Time
	for _, t := range ev.set.Between(lo, hi, true) {
		if ev.replaced[t.UnixMilli()] {
			continue
		}
		starts = append(starts, t)
	}
	return starts
}

func (ev *icsEvent) instance(calendar string, start time.Time, r Reminder) AlertInstance {
	end := start.Add(ev.duration)
	return AlertInstance{
		EventID:       ev.details.EventID,
		Calendar:      calendar,
		InstanceStart: start,
		InstanceEnd:   end,
		AlertTime:     r.AlertTime(start, end),
		AllDay:        ev.details.AllDay,
		CreatedByUs:   r.CreatedByUs,
	}
}

// AlertsAt implements Source.
func (s *ICSSource) AlertsAt(ctx context.Context, alertTime time.Time) ([]AlertInstance, error) {
	t := alertTime.Truncate(time.Millisecond)
	return s.QueryAlerts(ctx, t, t.Add(time.Millisecond-1))
}

// EventDetails implements Source.
func (s *ICSSource) EventDetails(ctx context.Context, eventID int64) (*EventDetails, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	d := ev.details
	d.Reminders = append([]Reminder(nil), ev.details.Reminders...)
	return &d, nil
}

// Reminders implements Source.
func (s *ICSSource) Reminders(ctx context.Context, eventID int64) ([]Reminder, error) {
	d, err := s.EventDetails(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return d.Reminders, nil
}

// DismissNative implements Source. Feeds carry no alert state of their own.
func (s *ICSSource) DismissNative(ctx context.Context, inst AlertInstance) error {
	return nil
}
