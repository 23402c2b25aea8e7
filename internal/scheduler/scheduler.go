package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/example/mornsign-scheduler/internal/executor"
	"github.com/example/mornsign-scheduler/internal/tasks"
)

type BatchRunner interface {
	ProcessDueTasks(ctx context.Context, limit int) (executor.Result, error)
}

type PendingLister interface {
	EarliestPendingPerUser(ctx context.Context) ([]tasks.Task, error)
}

type UserRefresher interface {
	RefreshUser(ctx context.Context, t tasks.Task) error
}

const (
	DefaultInterval   = time.Minute
	DefaultBatchLimit = 100
	DefaultRefreshMin = 20 * time.Minute
	DefaultRefreshMax = 40 * time.Minute
)

// Scheduler runs the due-task batch on a fixed interval and, between
// batches, spreads token refreshes for every user with pending work across
// a randomized window so they do not hit the upstream at once.
type Scheduler struct {
	Runner     BatchRunner
	Pending    PendingLister
	Refresher  UserRefresher
	Interval   time.Duration
	BatchLimit int
	RefreshMin time.Duration
	RefreshMax time.Duration
	Log        zerolog.Logger

	// Now and Jitter are replaced in tests. Jitter returns a uniform value in [0, max).
	Now    func() time.Time
	Jitter func(max time.Duration) time.Duration

	running  atomic.Bool
	planning atomic.Bool
	kickoff  sync.WaitGroup

	mu           sync.Mutex
	cron         *cron.Cron
	stopped      bool
	lastRefresh  time.Time
	refreshEvery time.Duration
	timers       []*time.Timer
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// Start arms the interval driver and runs one tick right away.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.Runner == nil {
		return errors.New("scheduler: no batch runner")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return errors.New("scheduler: already started")
	}
	cl := cronLogger{log: s.Log}
	s.stopped = false
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.Tick(ctx) }))
	s.cron.Start()
	s.mu.Unlock()

	s.Log.Info().Dur("interval", interval).Int("batch_limit", s.batchLimit()).Msg("morning sign scheduler started")
	s.kickoff.Add(1)
	go func() {
		defer s.kickoff.Done()
		s.Tick(ctx)
	}()
	return nil
}

// Stop halts the driver, waits for running ticks and cancels pending
// refresh timers. Upstream calls already in flight are left to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.stopped = true
	s.stopTimersLocked()
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.kickoff.Wait()
	if c != nil {
		s.Log.Info().Msg("morning sign scheduler stopped")
	}
}

// Tick runs one batch. It returns false without doing anything if the
// previous tick is still running.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.Log.Debug().Msg("previous tick still running, skipping")
		return false
	}
	defer s.running.Store(false)

	runID := uuid.NewString()
	log := s.Log.With().Str("run_id", runID).Logger()
	s.runBatch(ctx, log)
	s.maybePlanWave(ctx, log)
	return true
}

func (s *Scheduler) runBatch(ctx context.Context, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("batch panicked")
		}
	}()

	res, err := s.Runner.ProcessDueTasks(ctx, s.batchLimit())
	if err != nil {
		log.Error().Err(err).Msg("batch failed")
		return
	}
	if res.Processed > 0 {
		log.Info().
			Int("processed", res.Processed).
			Int("success", res.Success).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Msg("batch finished")
	}
}

func (s *Scheduler) maybePlanWave(ctx context.Context, log zerolog.Logger) {
	if s.Pending == nil || s.Refresher == nil {
		return
	}
	if !s.planning.CompareAndSwap(false, true) {
		return
	}

	now := s.now()
	s.mu.Lock()
	if s.refreshEvery <= 0 {
		s.refreshEvery = s.drawInterval()
	}
	window := s.refreshEvery
	due := now.Sub(s.lastRefresh) >= window
	if due {
		s.lastRefresh = now
	}
	s.mu.Unlock()

	if !due {
		s.planning.Store(false)
		return
	}
	go s.planWave(ctx, window, log)
}

func (s *Scheduler) planWave(ctx context.Context, window time.Duration, log zerolog.Logger) {
	defer s.planning.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("refresh wave planning panicked")
		}
	}()

	list, err := s.Pending.EarliestPendingPerUser(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
	s.refreshEvery = s.drawInterval()

	if err != nil {
		log.Error().Err(err).Msg("load pending users for refresh wave")
		return
	}
	if s.stopped || len(list) == 0 {
		return
	}

	log.Info().Int("users", len(list)).Dur("window", window).Msg("planning token refresh wave")
	for _, t := range list {
		delay := s.jitter(window)
		s.timers = append(s.timers, time.AfterFunc(delay, func() { s.refreshOne(ctx, t) }))
	}
}

func (s *Scheduler) refreshOne(ctx context.Context, t tasks.Task) {
	log := s.Log.With().Str("user_id", t.UserID).Int64("task_id", t.ID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("staggered refresh panicked")
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if err := s.Refresher.RefreshUser(ctx, t); err != nil {
		log.Warn().Err(err).Msg("staggered refresh failed")
	}
}

func (s *Scheduler) stopTimersLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// drawInterval picks the next refresh period uniformly from [RefreshMin, RefreshMax].
func (s *Scheduler) drawInterval() time.Duration {
	lo, hi := s.RefreshMin, s.RefreshMax
	if lo <= 0 {
		lo = DefaultRefreshMin
	}
	if hi <= 0 {
		hi = DefaultRefreshMax
	}
	if hi <= lo {
		return lo
	}
	return lo + s.jitter(hi-lo+1)
}

func (s *Scheduler) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if s.Jitter != nil {
		return s.Jitter(max)
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) batchLimit() int {
	if s.BatchLimit > 0 {
		return s.BatchLimit
	}
	return DefaultBatchLimit
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kvFields(kv)).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kvFields(kv)).Msg("cron: " + msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return m
}
