package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"dropship-controlplane/pkg/config"
	"dropship-controlplane/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Loop is the active scheduler core: it wakes on a fixed tick, dispatches due
// jobs to workers and enforces per-job mutual exclusion, timeout and retry.
// One Loop instance per deployment is assumed; it owns its own lifecycle so
// tests can run isolated instances.
type Loop struct {
	registry *Registry
	handlers *HandlerRegistry
	log      *zap.Logger
	tick     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	inflight map[string]struct{}

	wg sync.WaitGroup
}

type LoopParams struct {
	fx.In
	Registry *Registry
	Handlers *HandlerRegistry
	Logger   *zap.Logger
	Config   *config.Config
}

func NewLoop(p LoopParams) *Loop {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		registry: p.Registry,
		handlers: p.Handlers,
		log:      logger,
		tick:     p.Config.Scheduler.TickInterval,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the tick loop. Calling Start on a running loop is a no-op
// success.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true

	l.wg.Add(1)
	go l.run(ctx)

	l.log.Info("[Scheduler] started", zap.Duration("tick", l.tick))
	return nil
}

// Stop stops accepting new dispatches and waits for in-flight executions to
// finish. Each execution is bounded by its own timeout, so the wait is
// bounded too.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.cancel()
	l.mu.Unlock()

	l.wg.Wait()
	l.log.Info("[Scheduler] stopped")
	return nil
}

// Status is side-effect-free.
func (l *Loop) Status() SchedulerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return SchedulerStatus{
		IsRunning:        l.running,
		RunningJobsCount: len(l.inflight),
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dispatchDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// dispatchDue dispatches every due job at most once per cycle, in ascending
// (next_run_at, id) order.
func (l *Loop) dispatchDue(ctx context.Context) {
	jobs, err := l.registry.ListDue(ctx, l.now())
	if err != nil {
		l.log.Error("[Scheduler] failed to list due jobs", zap.Error(err))
		return
	}

	for i := range jobs {
		job := jobs[i]

		if !l.tryAcquire(job.ID) {
			continue
		}

		// Guard against executions left running by another writer.
		busy, err := l.registry.HasRunningExecution(ctx, job.ID)
		if err != nil || busy {
			if err != nil {
				l.log.Error("[Scheduler] failed to check running execution", zap.String("job_id", job.ID), zap.Error(err))
			}
			l.release(job.ID)
			continue
		}

		if err := l.registry.MarkScheduled(ctx, job.ID); err != nil {
			l.log.Error("[Scheduler] failed to mark job scheduled", zap.String("job_id", job.ID), zap.Error(err))
		}

		l.wg.Add(1)
		go l.execute(ctx, job)
	}
}

func (l *Loop) tryAcquire(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[jobID]; busy {
		return false
	}
	l.inflight[jobID] = struct{}{}
	return true
}

func (l *Loop) release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, jobID)
}

// execute runs one due cycle for a job: the initial attempt plus immediate
// retries up to max_retries, then the job fails until its next occurrence.
// ctx signals loop shutdown only; state writes are detached from it so an
// in-flight attempt still records its outcome.
func (l *Loop) execute(ctx context.Context, job Job) {
	defer l.wg.Done()
	defer l.release(job.ID)

	dbCtx := context.Background()

	for attempt := 0; ; attempt++ {
		exec, err := l.registry.StartExecution(dbCtx, job.ID)
		if err != nil {
			l.log.Error("[Scheduler] failed to start execution", zap.String("job_id", job.ID), zap.Error(err))
			return
		}

		runErr := l.invoke(job)

		if err := l.registry.CompleteExecution(dbCtx, exec, runErr); err != nil {
			l.log.Error("[Scheduler] failed to complete execution", zap.String("execution_id", exec.ID), zap.Error(err))
		}

		if runErr == nil {
			if err := l.registry.MarkSucceeded(dbCtx, &job); err != nil {
				l.log.Error("[Scheduler] failed to mark job succeeded", zap.String("job_id", job.ID), zap.Error(err))
			}
			l.log.Info("[Scheduler] job succeeded",
				zap.String("job_id", job.ID),
				zap.String("name", job.Name),
				zap.Int("attempt", attempt+1),
			)
			return
		}

		l.log.Warn("[Scheduler] job attempt failed",
			zap.String("job_id", job.ID),
			zap.String("name", job.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(runErr),
		)

		if attempt >= job.MaxRetries {
			if err := l.registry.MarkFailed(dbCtx, &job, runErr); err != nil {
				l.log.Error("[Scheduler] failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			return
		}

		if err := l.registry.MarkRetrying(dbCtx, &job, attempt+1, runErr); err != nil {
			l.log.Error("[Scheduler] failed to record retry", zap.String("job_id", job.ID), zap.Error(err))
		}

		// Loop shutdown between attempts ends the cycle instead of opening
		// executions the stopping process would abandon.
		if ctx.Err() != nil {
			if err := l.registry.MarkFailed(dbCtx, &job, runErr); err != nil {
				l.log.Error("[Scheduler] failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			return
		}
	}
}

// invoke runs the handler bound to the job, bounded by timeout_seconds.
// Cancellation is cooperative; a handler that ignores its ctx still yields a
// failed execution here, but its goroutine winds down on its own.
func (l *Loop) invoke(job Job) error {
	h, err := l.handlers.Resolve(job.HandlerRef)
	if err != nil {
		return err
	}

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.Execute(ctx, json.RawMessage(job.Parameters))
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return errutil.Timeout(fmt.Sprintf("execution exceeded %ds", job.TimeoutSeconds), errutil.WithErr(err))
		}
		return err
	case <-ctx.Done():
		return errutil.Timeout(fmt.Sprintf("execution exceeded %ds", job.TimeoutSeconds))
	}
}
