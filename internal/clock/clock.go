// Package clock provides the time source and timer scheduler used by the
// engine. All components take these as dependencies so tests can drive
// time deterministically with the Fake implementation.
package clock

import (
	"sync"
	"time"
)

// Clock is the engine's time source.
type Clock interface {
	Now() time.Time
}

// CancelFunc cancels a scheduled callback. Safe to call more than once.
type CancelFunc func()

// Scheduler schedules one-shot and periodic callbacks. Callbacks run on
// their own goroutine (real implementation) or synchronously during
// Advance (fake implementation); they must not block for long.
type Scheduler interface {
	// After runs fn once after d. The returned CancelFunc prevents the
	// callback if it has not fired yet.
	After(d time.Duration, fn func()) CancelFunc

	// Every runs fn repeatedly at interval d until cancelled.
	Every(d time.Duration, fn func()) CancelFunc

	// Stop cancels all outstanding timers and waits for running
	// callbacks to return.
	Stop()
}

// System is the real Clock and Scheduler backed by the time package.
type System struct {
	mu      sync.Mutex
	stopped bool
	timers  map[int]*time.Timer
	tickers map[int]chan struct{}
	nextID  int
	wg      sync.WaitGroup
}

// NewSystem returns a Clock/Scheduler backed by real time.
func NewSystem() *System {
	return &System{
		timers:  make(map[int]*time.Timer),
		tickers: make(map[int]chan struct{}),
	}
}

// Now returns the current wall-clock time.
func (s *System) Now() time.Time { return time.Now() }

// After implements Scheduler.
func (s *System) After(d time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return func() {}
	}
	id := s.nextID
	s.nextID++

	s.wg.Add(1)
	t := time.AfterFunc(d, func() {
		defer s.wg.Done()
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	s.timers[id] = t

	return func() {
		s.mu.Lock()
		t, ok := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if ok && t.Stop() {
			s.wg.Done()
		}
	}
}

// Every implements Scheduler.
func (s *System) Every(d time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	stop := make(chan struct{})
	s.tickers[id] = stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.tickers, id)
			s.mu.Unlock()
			close(stop)
		})
	}
}

// Stop cancels everything and waits for in-flight callbacks.
func (s *System) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	for id, stop := range s.tickers {
		close(stop)
		delete(s.tickers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
