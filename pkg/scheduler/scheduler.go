package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/canopy-network/pnlticks/pkg/retry"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld is returned by a Locker when another holder owns the key.
	ErrLockHeld = errors.New("lock held by another instance")
	// ErrLockLost is returned by Lock.Renew once the lock expired or changed hands.
	ErrLockLost = errors.New("lock lost")
)

const (
	lockPrefix        = "lock:"
	defaultWaitJitter = 250 * time.Millisecond
	releaseTimeout    = 5 * time.Second
)

// Lock is a held, expiring lock.
type Lock interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out locks. Acquire must return an error wrapping ErrLockHeld
// on contention, and Renew one wrapping ErrLockLost when the lock is gone.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Task is a periodic job run under a cluster-wide lock.
type Task struct {
	Name string
	// Spec is a cron expression with an optional seconds field. Empty means
	// "@every Interval".
	Spec string
	// Interval bounds one execution and is the default lock ttl.
	Interval time.Duration
	// ExtendedLockMultiplier stretches the lock ttl to Interval times this
	// value when > 0.
	ExtendedLockMultiplier float64
	Run                    func(ctx context.Context) error
}

func (t Task) lockKey() string { return lockPrefix + t.Name }

func (t Task) lockTTL() time.Duration {
	if t.ExtendedLockMultiplier > 0 {
		return time.Duration(float64(t.Interval) * t.ExtendedLockMultiplier)
	}
	return t.Interval
}

func (t Task) validate() error {
	switch {
	case t.Name == "":
		return errors.New("task name is required")
	case t.Interval <= 0:
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	case t.ExtendedLockMultiplier < 0:
		return fmt.Errorf("task %s: lock multiplier must not be negative", t.Name)
	case t.Run == nil:
		return fmt.Errorf("task %s: run func is required", t.Name)
	}
	return nil
}

// Scheduler runs registered tasks on cron schedules so that at most one
// instance of a task executes across all processes sharing the Locker.
type Scheduler struct {
	Cron   *cron.Cron
	logger *zap.Logger
	locker Locker
	ctx    context.Context

	// running counts executions currently inside a task's Run.
	running    atomic.Int32
	waitJitter time.Duration
}

// New builds a Scheduler whose executions derive from ctx.
func New(ctx context.Context, logger *zap.Logger, locker Locker) *Scheduler {
	// Seconds field, optional
	return &Scheduler{
		Cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{logger.Sugar()}))),
		logger:     logger,
		locker:     locker,
		ctx:        ctx,
		waitJitter: defaultWaitJitter,
	}
}

// Register adds task to the cron table.
func (s *Scheduler) Register(task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	spec := task.Spec
	if spec == "" {
		spec = "@every " + task.Interval.String()
	}

	_, err := s.Cron.AddFunc(spec, func() {
		if err := s.Execute(s.ctx, task); err != nil {
			s.logger.Error("Task failed", zap.String("task", task.Name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", task.Name, spec, err)
	}

	s.logger.Info("Task registered",
		zap.String("task", task.Name),
		zap.String("spec", spec),
		zap.Duration("interval", task.Interval),
		zap.Duration("lock_ttl", task.lockTTL()))
	return nil
}

func (s *Scheduler) Start() {
	s.Cron.Start()
}

// Stop halts the cron table and waits for executions in flight.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
}

// Running returns the number of tasks currently executing.
func (s *Scheduler) Running() int { return int(s.running.Load()) }

// Execute runs task once under its lock. A task whose lock stays held past
// one wait is skipped and nil is returned.
func (s *Scheduler) Execute(ctx context.Context, task Task) error {
	logger := s.logger.With(zap.String("task", task.Name))
	key := task.lockKey()
	ttl := task.lockTTL()

	lock, err := s.acquire(ctx, logger, task, key, ttl)
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, task.Interval)
	renewDone := make(chan struct{})
	go s.keepAlive(runCtx, cancel, logger, lock, ttl, renewDone)

	// deferred so a panicking task still frees its lock
	defer func() {
		cancel()
		<-renewDone

		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer relCancel()
		if err := lock.Release(relCtx); err != nil {
			logger.Warn("Failed to release task lock", zap.String("key", key), zap.Error(err))
		}
	}()

	s.running.Add(1)
	defer s.running.Add(-1)

	start := time.Now()
	runErr := task.Run(runCtx)
	logger.Debug("Task finished", zap.Duration("elapsed", time.Since(start)), zap.Error(runErr))
	return runErr
}

// acquire takes the task lock. On contention it waits once for the current
// holder's expiry when that falls inside the interval. A nil lock with a nil
// error means the execution is skipped.
func (s *Scheduler) acquire(ctx context.Context, logger *zap.Logger, task Task, key string, ttl time.Duration) (Lock, error) {
	lock, err := s.locker.Acquire(ctx, key, ttl)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, ErrLockHeld) {
		return nil, err
	}

	remaining, err := s.locker.TTL(ctx, key)
	if err != nil {
		return nil, err
	}
	wait := remaining + retry.Jitter(s.waitJitter, 1)
	if wait >= task.Interval {
		logger.Info("Task lock held elsewhere, skipping", zap.Duration("lock_expires_in", remaining))
		return nil, nil
	}

	logger.Debug("Task lock held elsewhere, waiting for expiry", zap.Duration("wait", wait))
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	lock, err = s.locker.Acquire(ctx, key, ttl)
	if errors.Is(err, ErrLockHeld) {
		logger.Info("Task lock still held after waiting, skipping")
		return nil, nil
	}
	return lock, err
}

// keepAlive renews the lock every ttl/2 until ctx ends. Losing the lock
// cancels the run.
func (s *Scheduler) keepAlive(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, lock Lock, ttl time.Duration, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lock.Renew(ctx, ttl)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrLockLost):
				logger.Error("Task lock lost, cancelling run", zap.Error(err))
				cancel()
				return
			default:
				logger.Warn("Failed to renew task lock", zap.Error(err))
			}
		}
	}
}

// cronLogger routes cron's panic recovery and scheduling logs to zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
