package config

import (
	"path"
	"strings"
)

// PeriodicRescanEnabled reports whether the periodic rescan is on.
func (m MonitorConfig) PeriodicRescanEnabled() bool {
	return m.EnablePeriodicRescan
}

// CalendarHandled reports whether alerts from the named calendar should be
// surfaced. An empty handled list means every calendar is handled. Entries
// may be shell-style patterns ("work-*").
func (m MonitorConfig) CalendarHandled(calendar string) bool {
	if len(m.HandledCalendars) == 0 {
		return true
	}
	return matchAny(m.HandledCalendars, calendar)
}

// PreMuted reports whether alerts of the event should be delivered silently.
func (m MonitorConfig) PreMuted(calendar string, eventID int64) bool {
	for _, id := range m.MutedEvents {
		if id == eventID {
			return true
		}
	}
	return matchAny(m.MutedCalendars, calendar)
}

// matchAny checks name against each pattern, case-insensitively.
func matchAny(patterns []string, name string) bool {
	name = strings.ToLower(name)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
