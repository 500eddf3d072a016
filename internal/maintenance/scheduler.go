// Package maintenance runs unattended jobs (store backups, repo
// scans) on cron schedules from config.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one scheduled maintenance action.
type Job struct {
	Name     string
	Spec     string // cron expression; empty disables the job
	Run      func(ctx context.Context) error
	schedule cronlib.Schedule
	nextRun  time.Time
}

// Scheduler fires due jobs once a minute.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs []*Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds the scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, interval: time.Minute, now: time.Now}
}

// Add registers a job. Jobs with an empty spec are skipped; a bad
// expression is an error.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		return nil
	}
	schedule, err := cronParser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("maintenance: parse %q for %s: %w", job.Spec, job.Name, err)
	}
	job.schedule = schedule
	job.nextRun = schedule.Next(s.now())
	s.mu.Lock()
	s.jobs = append(s.jobs, &job)
	s.mu.Unlock()
	return nil
}

// Start begins the loop; Stop cancels and waits.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
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
			s.tick(ctx)
		}
	}
}

// tick fires every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.nextRun.After(now) {
			due = append(due, job)
			job.nextRun = job.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.logger.Info("maintenance job firing", "job", job.Name)
		if err := job.Run(ctx); err != nil {
			s.logger.Error("maintenance job failed", "job", job.Name, "error", err)
		}
	}
}
