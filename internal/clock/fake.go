package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock and Scheduler for tests. Time only moves
// when Advance is called; due callbacks fire synchronously in deadline
// order (insertion order breaks ties).
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	nextID int
}

type fakeTimer struct {
	id       int
	deadline time.Time
	interval time.Duration // 0 for one-shot
	fn       func()
	canceled bool
}

// NewFake returns a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After implements Scheduler.
func (f *Fake) After(d time.Duration, fn func()) CancelFunc {
	return f.add(d, 0, fn)
}

// Every implements Scheduler.
func (f *Fake) Every(d time.Duration, fn func()) CancelFunc {
	return f.add(d, d, fn)
}

func (f *Fake) add(d, interval time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{
		id:       f.nextID,
		deadline: f.now.Add(d),
		interval: interval,
		fn:       fn,
	}
	f.nextID++
	f.timers = append(f.timers, t)
	return func() {
		f.mu.Lock()
		t.canceled = true
		f.mu.Unlock()
	}
}

// Stop cancels all timers.
func (f *Fake) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.timers {
		t.canceled = true
	}
	f.timers = nil
}

// Advance moves the fake time forward by d, firing every due callback in
// deadline order. Periodic timers re-arm and may fire multiple times
// within a single Advance.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var next *fakeTimer
		for _, t := range f.timers {
			if t.canceled || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) ||
				(t.deadline.Equal(next.deadline) && t.id < next.id) {
				next = t
			}
		}
		if next == nil {
			f.now = target
			f.compact()
			f.mu.Unlock()
			return
		}
		// Move time to the firing point so the callback observes it.
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.canceled = true
		}
		fn := next.fn
		f.mu.Unlock()

		fn()
	}
}

// compact drops canceled timers; called with the lock held.
func (f *Fake) compact() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.canceled {
			live = append(live, t)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })
	f.timers = live
}

// PendingTimers returns the number of armed timers; useful in tests.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.canceled {
			n++
		}
	}
	return n
}
