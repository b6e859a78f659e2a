package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/internal/engine"
	"github.com/weftflow/weft/pkg/schema"
)

type fakeRunner struct {
	calls atomic.Int64
}

func (f *fakeRunner) RunSelection(_ context.Context, _ schema.Selection, mode schema.ExecMode) (*engine.SelectionResult, error) {
	f.calls.Add(1)
	return &engine.SelectionResult{RunID: "run-1", Mode: mode}, nil
}

// --- Registration ---

func TestScheduler_AddValidatesCron(t *testing.T) {
	s := NewScheduler(nil)
	err := s.Add(&Job{ID: "bad", CronExpr: "not a cron", Runner: &fakeRunner{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.WeftError).Code)
}

func TestScheduler_AddRejectsDuplicate(t *testing.T) {
	s := NewScheduler(nil)
	require.NoError(t, s.Add(&Job{ID: "j1", CronExpr: "* * * * *", Runner: &fakeRunner{}}))
	err := s.Add(&Job{ID: "j1", CronExpr: "* * * * *", Runner: &fakeRunner{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.WeftError).Code)
}

func TestScheduler_AddRequiresRunner(t *testing.T) {
	s := NewScheduler(nil)
	require.Error(t, s.Add(&Job{ID: "j1", CronExpr: "* * * * *"}))
}

func TestScheduler_DefaultModeIsFlow(t *testing.T) {
	s := NewScheduler(nil)
	job := &Job{ID: "j1", CronExpr: "* * * * *", Runner: &fakeRunner{}}
	require.NoError(t, s.Add(job))
	assert.Equal(t, schema.ModeFlow, job.Mode)
}

// --- Next run calculation ---

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(nil)
	from := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 29, 10, 45, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("0 3 * * 1", from)
	require.NoError(t, err)
	assert.Equal(t, time.Weekday(1), next.Weekday())
	assert.Equal(t, 3, next.Hour())

	_, err = s.CalculateNextRun("61 * * * *", from)
	require.Error(t, err)
}

// --- Ticking ---

func TestScheduler_TickRunsDueJobs(t *testing.T) {
	s := NewScheduler(nil)
	runner := &fakeRunner{}
	job := &Job{ID: "due", CronExpr: "* * * * *", Runner: runner}
	require.NoError(t, s.Add(job))

	// Force the job to be due now.
	job.nextRunAt = time.Now().UTC().Add(-time.Minute)
	s.tick(context.Background())

	assert.Equal(t, int64(1), runner.calls.Load())
	assert.True(t, job.nextRunAt.After(time.Now().UTC().Add(-time.Second)), "job rescheduled")
}

func TestScheduler_TickSkipsFutureJobs(t *testing.T) {
	s := NewScheduler(nil)
	runner := &fakeRunner{}
	job := &Job{ID: "later", CronExpr: "* * * * *", Runner: runner}
	require.NoError(t, s.Add(job))

	job.nextRunAt = time.Now().UTC().Add(time.Hour)
	s.tick(context.Background())

	assert.Zero(t, runner.calls.Load())
}

func TestScheduler_RemovedJobNeverRuns(t *testing.T) {
	s := NewScheduler(nil)
	runner := &fakeRunner{}
	job := &Job{ID: "gone", CronExpr: "* * * * *", Runner: runner}
	require.NoError(t, s.Add(job))
	s.Remove("gone")

	job.nextRunAt = time.Now().UTC().Add(-time.Minute)
	s.tick(context.Background())

	assert.Zero(t, runner.calls.Load())
}

// --- Lifecycle ---

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "double start rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

type blockingRunner struct {
	entered chan struct{}
}

func (b *blockingRunner) RunSelection(ctx context.Context, _ schema.Selection, mode schema.ExecMode) (*engine.SelectionResult, error) {
	close(b.entered)
	<-ctx.Done()
	return &engine.SelectionResult{RunID: "run-busy", Mode: mode}, nil
}

func TestScheduler_StopWhileJobRunning(t *testing.T) {
	s := NewScheduler(nil)
	runner := &blockingRunner{entered: make(chan struct{})}
	job := &Job{ID: "busy", CronExpr: "* * * * *", Runner: runner}
	require.NoError(t, s.Add(job))
	job.nextRunAt = time.Now().UTC().Add(-time.Minute)

	require.NoError(t, s.Start(context.Background()))
	<-runner.entered

	// Stop must not hold the scheduler lock while waiting for the loop;
	// the in-flight job reschedules under that same lock on its way out.
	require.NoError(t, s.Stop())
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	s := NewScheduler(nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop())
}
