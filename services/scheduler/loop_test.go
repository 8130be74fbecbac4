package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"dropship-controlplane/pkg/config"
)

func newTestLoop(t *testing.T) (*Loop, *Registry, *gorm.DB) {
	t.Helper()

	registry, db := newTestRegistry(t)

	cfg := &config.Config{}
	cfg.Scheduler.TickInterval = time.Hour // ticks are driven manually in tests

	loop := NewLoop(LoopParams{
		Registry: registry,
		Handlers: registry.handlers,
		Config:   cfg,
	})
	return loop, registry, db
}

// createDueJob persists a job and backdates next_run_at so the next dispatch
// cycle picks it up.
func createDueJob(t *testing.T, registry *Registry, db *gorm.DB, def JobDefinition) *Job {
	t.Helper()

	job, err := registry.Create(context.Background(), def)
	require.NoError(t, err)
	require.NoError(t, db.Model(&Job{}).Where("id = ?", job.ID).
		Update("next_run_at", time.Now().Add(-time.Minute)).Error)
	return job
}

func (l *Loop) dispatchAndWait(ctx context.Context) {
	l.dispatchDue(ctx)
	l.wg.Wait()
}

func TestLoop_SuccessfulCycle(t *testing.T) {
	loop, registry, db := newTestLoop(t)
	ctx := context.Background()

	var calls atomic.Int32
	registry.handlers.Register("counter", HandlerFunc(func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return nil
	}))

	def := validDefinition("count-things")
	def.HandlerRef = "counter"
	job := createDueJob(t, registry, db, def)

	loop.dispatchAndWait(ctx)

	require.Equal(t, int32(1), calls.Load())

	got, err := registry.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, got.Status)
	require.Zero(t, got.RetryCount)
	require.NotNil(t, got.LastRunAt)
	require.True(t, got.NextRunAt.After(time.Now()))

	execs, err := registry.ListExecutions(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, ExecutionSuccess, execs[0].Status)
	require.NotNil(t, execs[0].CompletedAt)
}

func TestLoop_RetriesThenFails(t *testing.T) {
	loop, registry, db := newTestLoop(t)
	ctx := context.Background()

	var calls atomic.Int32
	registry.handlers.Register("flaky", HandlerFunc(func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("upstream unavailable")
	}))

	def := validDefinition("collect-flaky")
	def.HandlerRef = "flaky"
	def.MaxRetries = 2
	job := createDueJob(t, registry, db, def)

	loop.dispatchAndWait(ctx)

	// Initial attempt plus two retries, all within one due cycle.
	require.Equal(t, int32(3), calls.Load())

	got, err := registry.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)
	require.Zero(t, got.RetryCount)
	require.Contains(t, got.LastError, "upstream unavailable")
	require.True(t, got.NextRunAt.After(time.Now()))

	execs, err := registry.ListExecutions(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	for _, e := range execs {
		require.Equal(t, ExecutionFailed, e.Status)
	}
}

func TestLoop_NightlyRetryCycle(t *testing.T) {
	loop, registry, db := newTestLoop(t)
	ctx := context.Background()

	registry.handlers.Register("always-fails", HandlerFunc(func(context.Context, json.RawMessage) error {
		return errors.New("source down")
	}))

	def := validDefinition("collect-nightly")
	def.HandlerRef = "always-fails"
	def.Schedule = "0 2 * * *"
	def.MaxRetries = 3
	job := createDueJob(t, registry, db, def)

	loop.dispatchAndWait(ctx)

	execs, err := registry.ListExecutions(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 4)

	got, err := registry.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)
	require.Zero(t, got.RetryCount)
	require.Equal(t, 2, got.NextRunAt.Hour())
	require.Equal(t, 0, got.NextRunAt.Minute())
	require.True(t, got.NextRunAt.After(time.Now()))
}

func TestLoop_TimeoutFailsExecution(t *testing.T) {
	loop, registry, db := newTestLoop(t)
	ctx := context.Background()

	registry.handlers.Register("slow", HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		select {
		case <-time.After(time.Minute):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	def := validDefinition("collect-slow")
	def.HandlerRef = "slow"
	def.TimeoutSeconds = 1
	def.MaxRetries = 0
	job := createDueJob(t, registry, db, def)

	loop.dispatchAndWait(ctx)

	got, err := registry.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)
	require.Contains(t, got.LastError, "exceeded")

	execs, err := registry.ListExecutions(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, ExecutionFailed, execs[0].Status)
}

func TestLoop_SameJobIsNotDispatchedTwice(t *testing.T) {
	loop, registry, db := newTestLoop(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	registry.handlers.Register("blocking", HandlerFunc(func(context.Context, json.RawMessage) error {
		close(entered)
		<-release
		return nil
	}))

	def := validDefinition("collect-blocking")
	def.HandlerRef = "blocking"
	job := createDueJob(t, registry, db, def)

	loop.dispatchDue(ctx)
	<-entered

	require.Equal(t, 1, loop.Status().RunningJobsCount)

	// A second cycle while the first execution is in flight is a no-op for
	// this job.
	loop.dispatchDue(ctx)

	close(release)
	loop.wg.Wait()

	execs, err := registry.ListExecutions(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Zero(t, loop.Status().RunningJobsCount)
}

func TestLoop_ShutdownEndsRetryCycle(t *testing.T) {
	loop, registry, db := newTestLoop(t)

	var calls atomic.Int32
	registry.handlers.Register("flaky", HandlerFunc(func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("upstream unavailable")
	}))

	def := validDefinition("collect-flaky")
	def.HandlerRef = "flaky"
	def.MaxRetries = 5
	job := createDueJob(t, registry, db, def)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.True(t, loop.tryAcquire(job.ID))
	loop.wg.Add(1)
	loop.execute(ctx, *job)

	// No fresh attempts open once the loop context is gone; the cycle ends
	// as failed with the remaining retry budget given up.
	require.Equal(t, int32(1), calls.Load())

	got, err := registry.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)
	require.Zero(t, got.RetryCount)

	execs, err := registry.ListExecutions(context.Background(), job.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestLoop_StartStopIdempotent(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	require.False(t, loop.Status().IsRunning)

	require.NoError(t, loop.Start())
	require.NoError(t, loop.Start())
	require.True(t, loop.Status().IsRunning)

	require.NoError(t, loop.Stop())
	require.NoError(t, loop.Stop())
	require.False(t, loop.Status().IsRunning)
}
