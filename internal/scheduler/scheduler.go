// Package scheduler runs periodic maintenance tasks. Each task id runs at
// most once at a time across every process sharing the Locker; failed runs
// are retried with jittered exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/sealkeeper/internal/logging"
	"github.com/dmitrijs2005/sealkeeper/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDuplicateTask = errors.New("task already registered")
	ErrUnknownTask   = errors.New("unknown task")
	ErrInvalidTask   = errors.New("invalid task")
)

// Task is a named periodic job. Run must be safe to repeat.
type Task struct {
	ID       string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Options struct {
	Locker Locker
	Logger logging.Logger

	// MaxAttempts bounds the runs per tick, the first one included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// LockTTL is how long a crashed holder keeps a task locked.
	LockTTL   time.Duration
	KeyPrefix string
}

type Scheduler struct {
	locker      Locker
	logger      logging.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	lockTTL     time.Duration
	keyPrefix   string

	mu    sync.Mutex
	tasks map[string]Task
}

func New(o Options) *Scheduler {
	s := &Scheduler{
		locker:      o.Locker,
		logger:      o.Logger,
		maxAttempts: o.MaxAttempts,
		baseDelay:   o.BaseDelay,
		maxDelay:    o.MaxDelay,
		lockTTL:     o.LockTTL,
		keyPrefix:   o.KeyPrefix,
		tasks:       make(map[string]Task),
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.logger == nil {
		s.logger = logging.NewNopLogger()
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	if s.baseDelay <= 0 {
		s.baseDelay = time.Second
	}
	if s.maxDelay <= 0 {
		s.maxDelay = 30 * time.Second
	}
	if s.lockTTL <= 0 {
		s.lockTTL = time.Minute
	}
	if s.keyPrefix == "" {
		s.keyPrefix = "sealkeeper:task:"
	}
	return s
}

func (s *Scheduler) Register(t Task) error {
	if t.ID == "" || t.Interval <= 0 || t.Run == nil {
		return fmt.Errorf("%w: %q", ErrInvalidTask, t.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

// Tasks returns the registered task ids, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run ticks every registered task until ctx is cancelled. Task failures are
// logged and counted, never returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "task scheduled", "task", t.ID, "interval", t.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runTask(ctx, t); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, "task failed", "task", t.ID, "error", err)
			}
		}
	}
}

// RunOnce runs the task with the given id now, with locking and retries.
func (s *Scheduler) RunOnce(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return s.runTask(ctx, t)
}

func (s *Scheduler) runTask(ctx context.Context, t Task) error {
	lock, acquired, err := s.locker.TryLock(ctx, s.keyPrefix+t.ID, s.lockTTL)
	if err != nil {
		metrics.TaskRunsTotal.WithLabelValues(t.ID, "lock_error").Inc()
		return fmt.Errorf("lock task %s: %w", t.ID, err)
	}
	if !acquired {
		metrics.TaskRunsTotal.WithLabelValues(t.ID, "skipped").Inc()
		s.logger.Debug(ctx, "task already running elsewhere", "task", t.ID)
		return nil
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn(ctx, "release task lock", "task", t.ID, "error", rerr)
		}
	}()

	start := time.Now()
	defer func() {
		metrics.TaskSeconds.WithLabelValues(t.ID).Observe(time.Since(start).Seconds())
	}()

	attempt := 0
	run := func() error {
		attempt++
		err := t.Run(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.TaskRunsTotal.WithLabelValues(t.ID, "retry").Inc()
		s.logger.Warn(ctx, "task attempt failed", "task", t.ID, "attempt", attempt, "retry_in", next.String(), "error", err)
	}

	if err := backoff.RetryNotify(run, retryPolicy(ctx, s.baseDelay, s.maxDelay, s.maxAttempts), notify); err != nil {
		metrics.TaskRunsTotal.WithLabelValues(t.ID, "failure").Inc()
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	metrics.TaskRunsTotal.WithLabelValues(t.ID, "success").Inc()
	return nil
}
