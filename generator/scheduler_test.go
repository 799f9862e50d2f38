package generator

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// stepClock advances virtual time on every Sleep.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Unix(1700000000, 0)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	runtime.Gosched()
}

type countingTask struct {
	begun  atomic.Int32
	ticks  atomic.Int32
	failAt int32
}

func (t *countingTask) Begin(time.Time) { t.begun.Add(1) }

func (t *countingTask) Tick(time.Time) (time.Duration, error) {
	n := t.ticks.Add(1)
	if t.failAt > 0 && n >= t.failAt {
		return 0, errors.New("boom")
	}
	return time.Millisecond, nil
}

func TestSchedulerLifecycle(t *testing.T) {
	task := &countingTask{}
	s := NewScheduler(task, newStepClock(), zerolog.Nop())
	require.Equal(t, Idle, s.State())

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, Running, s.State())
	require.ErrorIs(t, s.Start(context.Background()), ErrRunning)
	require.Eventually(t, func() bool { return task.ticks.Load() > 3 }, time.Second, time.Millisecond)

	s.Stop()
	s.Stop()
	require.NoError(t, s.Wait())
	require.Equal(t, Terminated, s.State())
	require.Equal(t, int32(1), task.begun.Load())

	require.ErrorIs(t, s.Start(context.Background()), ErrTerminated)
}

func TestSchedulerStopBeforeStart(t *testing.T) {
	task := &countingTask{}
	s := NewScheduler(task, newStepClock(), zerolog.Nop())
	s.Stop()
	require.Equal(t, Terminated, s.State())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after stopping an idle scheduler")
	}
	require.NoError(t, s.Wait())
	require.ErrorIs(t, s.Start(context.Background()), ErrTerminated)
	require.Equal(t, int32(0), task.begun.Load())

	s.Stop()
	require.NoError(t, s.Wait())
}

func TestSchedulerTaskFailureTerminates(t *testing.T) {
	task := &countingTask{failAt: 3}
	s := NewScheduler(task, newStepClock(), zerolog.Nop())
	var exitErr atomic.Value
	s.OnExit(func(err error) { exitErr.Store(err) })

	require.NoError(t, s.Start(context.Background()))
	err := s.Wait()
	require.EqualError(t, err, "boom")
	require.Equal(t, err, s.Err())
	require.Equal(t, Terminated, s.State())
	require.Equal(t, int32(3), task.ticks.Load())
	require.Equal(t, err, exitErr.Load())
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &countingTask{}
	s := NewScheduler(task, newStepClock(), zerolog.Nop())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not observe cancellation")
	}
	require.NoError(t, s.Err())
	require.Equal(t, Terminated, s.State())
}
