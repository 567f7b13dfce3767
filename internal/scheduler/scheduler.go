package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Runner executes a named pipeline.
type Runner interface {
	Run(ctx context.Context, name string) error
}

// Job is one periodic pipeline.
type Job struct {
	Pipeline string
	Every    time.Duration
	Timeout  time.Duration
	// Immediately runs the job once at start instead of waiting one interval.
	Immediately bool
}

// Scheduler periodically runs the configured pipelines. Each job runs in
// singleton mode: a tick that arrives while the previous run is still going
// is skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	jobs      []Job
	logger    *slog.Logger
}

// New creates a new Scheduler.
func New(runner Runner, jobs []Job, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		jobs:      jobs,
		logger:    logger,
	}
}

// Start schedules every job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.jobs) == 0 {
		s.logger.Warn("scheduler: no jobs configured; nothing to schedule")
		return nil
	}

	for _, job := range s.jobs {
		job := job
		seconds := int(job.Every.Seconds())
		if seconds <= 0 {
			return fmt.Errorf("scheduler: %s interval must be at least one second", job.Pipeline)
		}

		sched := s.scheduler.Every(seconds).Seconds()
		if !job.Immediately {
			sched = sched.WaitForSchedule()
		}
		if _, err := sched.Tag(job.Pipeline).Do(s.run, job); err != nil {
			return fmt.Errorf("scheduler: schedule %s: %w", job.Pipeline, err)
		}
		s.logger.Info("scheduler: job scheduled", "pipeline", job.Pipeline, "every", job.Every)
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) run(job Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Every
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	s.logger.Info("scheduler: running job", "pipeline", job.Pipeline)
	if err := s.runner.Run(ctx, job.Pipeline); err != nil {
		s.logger.Error("scheduler: job failed", "pipeline", job.Pipeline, "error", err)
		return
	}
	s.logger.Info("scheduler: completed job", "pipeline", job.Pipeline, "duration", time.Since(started))
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
