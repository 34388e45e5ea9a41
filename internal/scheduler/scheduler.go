// Package scheduler runs cancellable recurring tasks on a shared cron loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
)

var ErrStopped = errors.New("scheduler is stopped")

// Scheduler multiplexes every task onto one cron runner. A task never runs
// concurrently with itself; a run that would overlap is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// Task is the handle of a scheduled job
type Task struct {
	name    string
	id      cron.EntryID
	s       *Scheduler
	stopped atomic.Bool
	runs    atomic.Int64
}

// New creates a scheduler
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("scheduler")
	adapter := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the cron runner
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
}

// Every runs fn every interval. Intervals below one second are raised to one second.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) (*Task, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval %v for task %s", interval, name)
	}
	return s.add(name, cron.Every(interval), fn)
}

// Cron runs fn on a cron spec such as "*/5 * * * *" or "@every 10m"
func (s *Scheduler) Cron(name, spec string, fn func(ctx context.Context)) (*Task, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q for task %s: %w", spec, name, err)
	}
	return s.add(name, schedule, fn)
}

func (s *Scheduler) add(name string, schedule cron.Schedule, fn func(ctx context.Context)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}

	t := &Task{name: name, s: s}
	t.id = s.cron.Schedule(schedule, cron.FuncJob(func() {
		if t.stopped.Load() || s.ctx.Err() != nil {
			return
		}
		t.runs.Add(1)
		fn(s.ctx)
	}))
	s.logger.Debug().Str("task", name).Msg("Scheduled task")
	return t, nil
}

// Stop removes the task from the schedule. A run already in progress
// completes; no further run starts. Stop is idempotent.
func (t *Task) Stop() {
	if t == nil || !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.s.cron.Remove(t.id)
	t.s.logger.Debug().Str("task", t.name).Msg("Removed task")
}

// Name returns the task name
func (t *Task) Name() string {
	return t.name
}

// Runs returns how many times the task has started
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// Next returns the next scheduled run, or the zero time when stopped
func (t *Task) Next() time.Time {
	if t.stopped.Load() {
		return time.Time{}
	}
	return t.s.cron.Entry(t.id).Next
}

// Len returns the number of scheduled tasks
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the runner and waits for running tasks until ctx expires.
// The context handed to tasks is cancelled once the wait ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	defer s.cancel()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain scheduled tasks: %w", ctx.Err())
	}
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
