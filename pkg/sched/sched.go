// Package sched centralizes the timer idiom used across the pipeline:
// scheduled callbacks carry an absolute deadline that is re-validated before
// the callback acts, so timers left over from a superseded state are no-ops.
package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task is a single cancellable deadline callback.
type Task struct {
	deadline time.Time
	canceled atomic.Bool
	timer    *time.Timer
}

// Cancel marks the task stale. A fired timer observes the flag and does
// nothing; no goroutine is left dangling.
func (t *Task) Cancel() {
	t.canceled.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Deadline returns the absolute time the task was scheduled for.
func (t *Task) Deadline() time.Time { return t.deadline }

// Scheduler runs deadline and interval callbacks.
type Scheduler struct {
	mu      sync.Mutex
	tickers []*time.Ticker
	quit    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New() *Scheduler {
	return &Scheduler{quit: make(chan struct{})}
}

// At schedules fn to run once at deadline. fn receives the deadline so it
// can re-check validity against current component state.
func (s *Scheduler) At(deadline time.Time, fn func(deadline time.Time)) *Task {
	t := &Task{deadline: deadline}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, func() {
		if t.canceled.Load() {
			return
		}
		fn(deadline)
	})
	return t
}

// Every runs fn on a fixed interval until the scheduler stops.
func (s *Scheduler) Every(interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ticker.Stop()
		return
	}
	s.tickers = append(s.tickers, ticker)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.quit:
				return
			case now := <-ticker.C:
				fn(now)
			}
		}
	}()
}

// Stop halts all interval callbacks. Pending one-shot tasks should be
// cancelled by their owners.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	for _, t := range s.tickers {
		t.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
