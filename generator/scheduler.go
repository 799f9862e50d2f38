package generator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Scheduler.
type State int32

const (
	Idle State = iota
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Clock abstracts wall-clock access for the scheduling loop.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Task is the unit of work driven by a Scheduler.
type Task interface {
	// Begin is called once when the scheduler enters Running.
	Begin(now time.Time)
	// Tick performs one iteration and returns the time to sleep before the
	// next one. A non-nil error terminates the scheduler.
	Tick(now time.Time) (time.Duration, error)
}

// Scheduler runs a Task periodically on its own goroutine until it is stopped,
// its context ends or the task fails. A scheduler runs at most once.
type Scheduler struct {
	task   Task
	clock  Clock
	logger zerolog.Logger
	onExit func(err error)

	state    atomic.Int32
	stop     atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewScheduler creates an idle scheduler for task.
func NewScheduler(task Task, clock Clock, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		task:   task,
		clock:  clock,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnExit registers a hook invoked once after the loop exits. It must be set
// before Start.
func (s *Scheduler) OnExit(fn func(err error)) {
	s.onExit = fn
}

// Start launches the loop. It fails with ErrRunning when already started and
// with ErrTerminated once the scheduler has stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		if s.State() == Terminated {
			return ErrTerminated
		}
		return ErrRunning
	}
	s.task.Begin(s.clock.Now())
	go s.run(ctx)
	return nil
}

// Stop requests termination. The flag is observed at the top of the next
// iteration; Stop does not wait. Calling it repeatedly is harmless. Stopping
// an idle scheduler terminates it and closes Done right away.
func (s *Scheduler) Stop() {
	s.stop.Store(true)
	if s.state.CompareAndSwap(int32(Idle), int32(Terminated)) {
		s.closeDone()
	}
}

// Wait blocks until the loop has exited and returns the failure cause, if any.
// Waiting on a scheduler that never started returns immediately.
func (s *Scheduler) Wait() error {
	if s.State() == Idle {
		return nil
	}
	<-s.done
	return s.Err()
}

// Done is closed when the loop exits or an idle scheduler is stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Err returns the error that terminated the loop, nil after a normal stop.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.closeDone()
	for {
		if s.stop.Load() || ctx.Err() != nil {
			s.finish(nil)
			return
		}
		sleep, err := s.task.Tick(s.clock.Now())
		if err != nil {
			s.finish(err)
			return
		}
		s.clock.Sleep(sleep)
	}
}

func (s *Scheduler) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(Terminated))
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduler terminated by task failure")
	} else {
		s.logger.Info().Msg("scheduler stopped")
	}
	if s.onExit != nil {
		s.onExit(err)
	}
}
