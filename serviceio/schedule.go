package serviceio

import (
	"sync"
	"sync/atomic"
	"time"
)

// Schedule tracks the cadence of a periodic driver. A zero interval makes the
// driver due on every cycle.
type Schedule struct {
	interval time.Duration
	disabled atomic.Bool

	mu           sync.RWMutex
	nextRun      time.Time
	lastRun      time.Time
	lastDuration time.Duration
}

// NewSchedule creates a schedule with the given interval.
func NewSchedule(interval time.Duration) *Schedule {
	return &Schedule{interval: interval}
}

// Due reports whether the driver should run at now.
func (s *Schedule) Due(now time.Time) bool {
	if s.disabled.Load() {
		return false
	}
	if s.interval <= 0 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.nextRun.IsZero() {
		return true
	}
	return !now.Before(s.nextRun)
}

// Done records a run that started at now and took duration.
func (s *Schedule) Done(now time.Time, duration time.Duration) {
	if duration <= 0 {
		duration = time.Nanosecond
	}
	s.mu.Lock()
	if s.interval > 0 {
		s.nextRun = now.Add(s.interval)
	} else {
		s.nextRun = time.Time{}
	}
	s.lastRun = now
	s.lastDuration = duration
	s.mu.Unlock()
}

func (s *Schedule) SetDisabled(disabled bool) { s.disabled.Store(disabled) }

func (s *Schedule) Disabled() bool { return s.disabled.Load() }

// Times returns the next run, the last run and its duration.
func (s *Schedule) Times() (next, last time.Time, duration time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRun, s.lastRun, s.lastDuration
}
