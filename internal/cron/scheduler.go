// Package cron provides a periodic scheduler that fires named maintenance
// jobs (TTL purge, SLA reminders, guardian sweep) on cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobFunc is one scheduled maintenance job. Errors are logged, not fatal.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule cronlib.Schedule
	fn       JobFunc
	nextRun  time.Time
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration    // tick interval; defaults to 1 minute if zero
	Clock    func() time.Time // defaults to time.Now
}

// Scheduler ticks at a fixed interval and fires every registered job whose
// cron schedule has come due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	clock    func() time.Time

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		clock:    clock,
	}
}

// AddJob registers a named job. The cron expression is validated here;
// the first run is the next match after registration.
func (s *Scheduler) AddJob(name, cronExpr string, fn JobFunc) error {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for %s: %w", cronExpr, name, err)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		schedule: sched,
		fn:       fn,
		nextRun:  sched.Next(s.clock()),
	})
	s.mu.Unlock()
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job once. Exposed so tests and operators can force a
// pass without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			j.nextRun = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if err := j.fn(ctx); err != nil {
			s.logger.Error("cron: job failed", "job", j.name, "error", err)
			continue
		}
		s.logger.Debug("cron: job fired", "job", j.name)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
