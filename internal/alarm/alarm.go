// Package alarm provides the single-slot wake-up primitive the monitor arms
// for its next check.
package alarm

import (
	"sync"
	"time"
)

// Alarm is a single wake-up slot. Set replaces whatever is armed; Cancel
// clears it.
type Alarm interface {
	// Set arms the slot for at. exact requests precise delivery; inexact
	// wake-ups may be delivered late.
	Set(at time.Time, exact bool)
	Cancel()
}

// maxSleep bounds each timer so wall clock changes and suspend are noticed.
const maxSleep = 60 * time.Second

// inexactSlack is how late an inexact wake-up may fire.
const inexactSlack = 5 * time.Second

// TimerAlarm is an in-process Alarm backed by time.Timer. The callback runs
// on its own goroutine once the armed time has passed.
type TimerAlarm struct {
	mu      sync.Mutex
	fire    func(at time.Time)
	now     func() time.Time
	timer   *time.Timer
	at      time.Time
	exact   bool
	armed   bool
	gen     uint64
	fired   int
	stopped bool
}

// NewTimerAlarm creates an unarmed TimerAlarm.
func NewTimerAlarm(fire func(at time.Time)) *TimerAlarm {
	return &TimerAlarm{fire: fire, now: time.Now}
}

// Set implements Alarm. Re-arming the same instant is a no-op.
func (a *TimerAlarm) Set(at time.Time, exact bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}
	if a.armed && a.at.Equal(at) && a.exact == exact {
		return
	}
	a.stopLocked()
	a.at = at
	a.exact = exact
	a.armed = true
	a.gen++
	a.scheduleLocked(a.gen)
}

// Cancel implements Alarm.
func (a *TimerAlarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	a.armed = false
	a.gen++
}

// Close cancels the slot and ignores any further Set.
func (a *TimerAlarm) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	a.armed = false
	a.stopped = true
	a.gen++
}

// Armed returns the armed time, if any.
func (a *TimerAlarm) Armed() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at, a.armed
}

// Fired returns how many wake-ups have been delivered.
func (a *TimerAlarm) Fired() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fired
}

func (a *TimerAlarm) stopLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *TimerAlarm) scheduleLocked(gen uint64) {
	target := a.at
	if !a.exact {
		target = target.Add(inexactSlack)
	}
	d := target.Sub(a.now())
	if d > maxSleep {
		d = maxSleep
	}
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, func() { a.wake(gen) })
}

// wake either delivers the alarm or, when the capped sleep ended early,
// sleeps again.
func (a *TimerAlarm) wake(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || !a.armed {
		a.mu.Unlock()
		return
	}
	if a.now().Before(a.at) {
		a.scheduleLocked(gen)
		a.mu.Unlock()
		return
	}
	at := a.at
	a.armed = false
	a.timer = nil
	a.fired++
	fire := a.fire
	a.mu.Unlock()

	if fire != nil {
		fire(at)
	}
}
