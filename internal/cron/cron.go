// Package cron provides a periodic scheduler that fires registered jobs —
// the task queue's lease janitor, the orchestrator's stats reporter, and any
// other periodic maintenance work — on either a cron expression or a fixed
// interval.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one piece of periodic work.
type Job struct {
	Name string
	// Schedule is a 5-field cron expression. Leave empty and set Every
	// instead for a fixed-interval job.
	Schedule string
	// Every runs the job on a fixed interval rather than a cron schedule.
	// Ignored if Schedule is set.
	Every time.Duration
	Run   func(ctx context.Context) error
}

type registeredJob struct {
	job     Job
	sched   cronlib.Schedule // nil for fixed-interval jobs
	nextRun time.Time
}

// Config holds the dependencies for the Scheduler.
type Config struct {
	Logger *slog.Logger
	// Interval is the tick granularity at which due jobs are checked;
	// defaults to 1 second if zero.
	Interval time.Duration
}

// Scheduler ticks at a fixed granularity and fires any registered Job whose
// schedule is due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*registeredJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, interval: interval}
}

// Register adds job to the scheduler. It must be called before Start to
// take effect on the first tick, though jobs added after Start are picked
// up on the next tick.
func (s *Scheduler) Register(job Job) error {
	rj := &registeredJob{job: job}
	now := time.Now()

	if job.Schedule != "" {
		sched, err := cronParser.Parse(job.Schedule)
		if err != nil {
			return err
		}
		rj.sched = sched
		rj.nextRun = sched.Next(now)
	} else {
		rj.nextRun = now.Add(job.Every)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, rj)
	s.mu.Unlock()
	return nil
}

// Start begins the scheduler loop in a background goroutine, respecting ctx
// for shutdown.
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
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*registeredJob
	for _, rj := range s.jobs {
		if !now.Before(rj.nextRun) {
			due = append(due, rj)
		}
	}
	s.mu.Unlock()

	for _, rj := range due {
		s.fire(ctx, rj, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, rj *registeredJob, now time.Time) {
	if err := rj.job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", rj.job.Name, "error", err)
	} else {
		s.logger.Info("cron: job fired", "job", rj.job.Name)
	}

	s.mu.Lock()
	if rj.sched != nil {
		rj.nextRun = rj.sched.Next(now)
	} else {
		rj.nextRun = now.Add(rj.job.Every)
	}
	s.mu.Unlock()
}

// NextRunTime parses a cron expression and returns the next run time after t.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
