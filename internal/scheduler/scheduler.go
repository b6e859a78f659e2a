package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weftflow/weft/internal/engine"
	"github.com/weftflow/weft/pkg/schema"
)

// Runner is the interface the scheduler uses to trigger runs.
// Satisfied by *engine.Runner.
type Runner interface {
	RunSelection(ctx context.Context, sel schema.Selection, mode schema.ExecMode) (*engine.SelectionResult, error)
}

// Job is a recurring selection run on a cron schedule.
type Job struct {
	ID        string
	CronExpr  string
	Selection schema.Selection
	Mode      schema.ExecMode
	Runner    Runner

	nextRunAt time.Time
}

// Scheduler triggers registered jobs when their cron schedule fires.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		jobs:     map[string]*Job{},
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job. The cron expression is validated up front.
func (s *Scheduler) Add(job *Job) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "job id is empty")
	}
	if job.Runner == nil {
		return schema.NewError(schema.ErrCodeValidation, "job runner is nil")
	}
	next, err := s.CalculateNextRun(job.CronExpr, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %q: %s", job.ID, err.Error()).WithCause(err)
	}
	job.nextRunAt = next
	if job.Mode == "" {
		job.Mode = schema.ModeFlow
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already registered", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due job once.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.nextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info("running scheduled job", slog.String("job_id", job.ID))

	result, err := job.Runner.RunSelection(ctx, job.Selection, job.Mode)
	if err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled job finished",
			slog.String("job_id", job.ID),
			slog.String("run_id", result.RunID),
			slog.Int("failed", result.Summary.Failed),
		)
	}

	next, err := s.CalculateNextRun(job.CronExpr, now)
	if err != nil {
		s.logger.Error("failed to reschedule job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.mu.Lock()
	job.nextRunAt = next
	s.mu.Unlock()
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler. The wait on the loop happens
// outside the lock: tick takes s.mu, so holding it here would deadlock
// against an in-flight tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
