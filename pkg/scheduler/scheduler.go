// Package scheduler runs named periodic tasks under one cancellation context.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown times out
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// IntervalFunc returns the current period of a task. It is consulted after
// every tick so live config updates take effect without a restart.
type IntervalFunc func() time.Duration

// Fixed returns an IntervalFunc with a constant period
func Fixed(d time.Duration) IntervalFunc {
	return func() time.Duration { return d }
}

// Scheduler handles goroutine lifecycle and graceful shutdown of periodic tasks
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	mu       sync.Mutex
	stopped  bool
	stopErr  error
	stopOnce sync.Once
	stopCh   chan struct{}

	running atomic.Int32
}

// New creates a scheduler bound to ctx
func New(ctx context.Context, logger *zap.Logger) *Scheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Task is a periodic job owned by a Scheduler
type Task struct {
	name     string
	interval IntervalFunc
	fn       func(ctx context.Context)

	trigger chan struct{}
	reset   chan struct{}

	ticks  atomic.Int64
	panics atomic.Int64
}

// Name returns the task name
func (t *Task) Name() string { return t.name }

// Ticks returns the number of completed runs
func (t *Task) Ticks() int64 { return t.ticks.Load() }

// Panics returns the number of runs that panicked
func (t *Task) Panics() int64 { return t.panics.Load() }

// Trigger requests an extra run as soon as the task is idle. Requests
// coalesce and never block.
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Reset restarts the ticker with the current interval
func (t *Task) Reset() {
	select {
	case t.reset <- struct{}{}:
	default:
	}
}

// Every starts fn on its own goroutine, running it once per interval. Each
// run gets a context that expires after one interval so a slow tick is
// abandoned rather than stalling the schedule. It returns nil when the
// scheduler has already been stopped.
func (s *Scheduler) Every(name string, interval IntervalFunc, fn func(ctx context.Context)) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.Warn("Scheduler stopped, task not started", zap.String("task", name))
		return nil
	}

	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
		reset:    make(chan struct{}, 1),
	}

	s.wg.Add(1)
	s.running.Add(1)
	go s.loop(t)

	return t
}

func (s *Scheduler) loop(t *Task) {
	defer s.wg.Done()
	defer s.running.Add(-1)

	s.logger.Debug("Starting task", zap.String("task", t.name))
	defer s.logger.Debug("Task stopped", zap.String("task", t.name))

	period := s.period(t)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.reset:
			period = s.period(t)
			ticker.Reset(period)
		case <-t.trigger:
			s.run(t, period)
		case <-ticker.C:
			s.run(t, period)
			if next := s.period(t); next != period {
				period = next
				ticker.Reset(period)
			}
		}
	}
}

func (s *Scheduler) period(t *Task) time.Duration {
	d := t.interval()
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (s *Scheduler) run(t *Task, deadline time.Duration) {
	// a tick selected together with cancellation must not start
	if s.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			s.logger.Error("Task panicked",
				zap.String("task", t.name),
				zap.Any("panic", r))
		}
	}()

	t.fn(ctx)
	t.ticks.Add(1)
}

// Stop cancels all tasks and waits for in-flight runs. It is idempotent:
// later calls return the result of the first.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.logger.Info("Initiating graceful shutdown",
			zap.Int32("running_tasks", s.running.Load()),
			zap.Duration("timeout", timeout))

		close(s.stopCh)
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("Graceful shutdown completed")
		case <-time.After(timeout):
			s.logger.Warn("Shutdown timeout exceeded",
				zap.Int32("still_running", s.running.Load()))
			s.stopErr = ErrShutdownTimeout
		}
	})
	return s.stopErr
}

// Stopped reports whether Stop has been called
func (s *Scheduler) Stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Running returns the number of task goroutines still alive
func (s *Scheduler) Running() int32 {
	return s.running.Load()
}
