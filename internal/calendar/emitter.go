package calendar

import (
	"container/heap"
	"context"
	"time"
)

const maxSleepCap = 60 * time.Second

// timeHeap is a min-heap of alert times.
type timeHeap []time.Time

func (h timeHeap) Len() int           { return len(h) }
func (h timeHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h timeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timeHeap) Push(x any) { *h = append(*h, x.(time.Time)) }

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ReminderEmitter delivers "alert fired" signals at alert times, the way a
// calendar provider broadcasts them. It owns one goroutine that sleeps until
// the earliest pending time, capped so that clock jumps and suspend are
// noticed within a minute.
type ReminderEmitter struct {
	replaceCh chan []time.Time
	onFire    func(time.Time)
	now       func() time.Time
}

// NewReminderEmitter creates an emitter calling onFire for each alert time.
// Run must be started for anything to fire.
func NewReminderEmitter(onFire func(time.Time)) *ReminderEmitter {
	return &ReminderEmitter{
		replaceCh: make(chan []time.Time, 1),
		onFire:    onFire,
		now:       time.Now,
	}
}

// Replace swaps the pending set for times. Times in the new set that are not
// after now are dropped; due times of the old set still fire.
func (e *ReminderEmitter) Replace(times []time.Time) {
	cp := append([]time.Time(nil), times...)
	// Keep only the newest set if Run has not picked up the previous one.
	for {
		select {
		case e.replaceCh <- cp:
			return
		default:
		}
		select {
		case <-e.replaceCh:
		default:
		}
	}
}

// Run is the emitter loop. It returns when ctx is cancelled.
func (e *ReminderEmitter) Run(ctx context.Context) {
	h := &timeHeap{}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		if h.Len() == 0 {
			return nil
		}
		dur := (*h)[0].Sub(e.now())
		if dur > maxSleepCap {
			dur = maxSleepCap
		}
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}

	var timerCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case times := <-e.replaceCh:
			now := e.now()
			// The old set may hold times that came due while the new one
			// was being computed; they belong to neither set otherwise.
			for h.Len() > 0 && !(*h)[0].After(now) {
				e.onFire(heap.Pop(h).(time.Time))
			}
			seen := map[int64]bool{}
			*h = (*h)[:0]
			for _, t := range times {
				ms := t.UnixMilli()
				if !t.After(now) || seen[ms] {
					continue
				}
				seen[ms] = true
				heap.Push(h, t)
			}
			timerCh = resetTimer()

		case <-timerCh:
			now := e.now()
			for h.Len() > 0 && !(*h)[0].After(now) {
				e.onFire(heap.Pop(h).(time.Time))
			}
			timerCh = resetTimer()
		}
	}
}
