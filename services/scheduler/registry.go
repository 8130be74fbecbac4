package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dropship-controlplane/pkg/config"
	"dropship-controlplane/pkg/errutil"
	"dropship-controlplane/services/source"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Handler refs bound by the preset jobs. The collector module registers the
// matching capabilities at startup.
const (
	HandlerCollectionRun = "collection:run"
	HandlerCollectionAll = "collection:all"
	HandlerCleanup       = "maintenance:cleanup"
)

// Registry is pure data access over job definitions and execution history.
// No scheduling logic lives here.
type Registry struct {
	db       *gorm.DB
	node     *snowflake.Node
	handlers *HandlerRegistry
	sources  *source.Registry
	parser   cron.Parser
	pageSize int
	now      func() time.Time
}

type RegistryParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Handlers *HandlerRegistry
	Sources  *source.Registry
	Config   *config.Config
}

func NewRegistry(p RegistryParams) *Registry {
	return &Registry{
		db:       p.DB,
		node:     p.Node,
		handlers: p.Handlers,
		sources:  p.Sources,
		// Standard five-field cron: minute hour day-of-month month day-of-week.
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pageSize: p.Config.Scheduler.HistoryPageSize,
		now:      time.Now,
	}
}

// JobDefinition is the create payload.
type JobDefinition struct {
	Name           string          `json:"name"`
	Type           JobType         `json:"type"`
	HandlerRef     string          `json:"handler_ref"`
	Schedule       string          `json:"schedule"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	IsActive       *bool           `json:"is_active,omitempty"`
}

// JobPatch is the partial-update payload. Nil fields are untouched.
type JobPatch struct {
	Schedule       *string         `json:"schedule,omitempty"`
	IsActive       *bool           `json:"is_active,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	TimeoutSeconds *int            `json:"timeout_seconds,omitempty"`
}

func (r *Registry) validate(def JobDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errutil.ValidationFailed("name is required")
	}
	if !def.Type.Valid() {
		return errutil.ValidationFailed("unknown job type: " + string(def.Type))
	}
	if _, err := r.parser.Parse(def.Schedule); err != nil {
		return errutil.ValidationFailed("invalid cron schedule: "+def.Schedule, errutil.WithErr(err))
	}
	if !r.handlers.Has(def.HandlerRef) {
		return errutil.ValidationFailed("unknown handler ref: " + def.HandlerRef)
	}
	if def.MaxRetries < 0 {
		return errutil.ValidationFailed("max_retries must be >= 0")
	}
	if def.TimeoutSeconds <= 0 {
		return errutil.ValidationFailed("timeout_seconds must be > 0")
	}
	return nil
}

// Create validates and persists a new job with its initial next_run_at.
func (r *Registry) Create(ctx context.Context, def JobDefinition) (*Job, error) {
	if err := r.validate(def); err != nil {
		return nil, err
	}

	next, err := r.nextAfter(def.Schedule, r.now())
	if err != nil {
		return nil, err
	}

	active := true
	if def.IsActive != nil {
		active = *def.IsActive
	}

	job := &Job{
		ID:             r.node.Generate().String(),
		Name:           def.Name,
		Type:           def.Type,
		HandlerRef:     def.HandlerRef,
		Schedule:       def.Schedule,
		Parameters:     datatypes.JSON(def.Parameters),
		MaxRetries:     def.MaxRetries,
		TimeoutSeconds: def.TimeoutSeconds,
		IsActive:       active,
		Status:         JobIdle,
		NextRunAt:      next,
	}

	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") {
			return nil, errutil.Conflict("job name already exists: " + def.Name)
		}
		return nil, errutil.StoreFailure("failed to create job", errutil.WithErr(err))
	}

	return job, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("job not found: " + id)
	}
	if err != nil {
		return nil, errutil.StoreFailure("failed to load job "+id, errutil.WithErr(err))
	}
	return &job, nil
}

func (r *Registry) List(ctx context.Context) ([]Job, error) {
	var jobs []Job
	if err := r.db.WithContext(ctx).Order("name").Find(&jobs).Error; err != nil {
		return nil, errutil.StoreFailure("failed to list jobs", errutil.WithErr(err))
	}
	return jobs, nil
}

// Update applies a partial patch and recomputes next_run_at when the schedule
// changes.
func (r *Registry) Update(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}

	if patch.Schedule != nil && *patch.Schedule != job.Schedule {
		if _, err := r.parser.Parse(*patch.Schedule); err != nil {
			return nil, errutil.ValidationFailed("invalid cron schedule: "+*patch.Schedule, errutil.WithErr(err))
		}
		next, err := r.nextAfter(*patch.Schedule, r.now())
		if err != nil {
			return nil, err
		}
		updates["schedule"] = *patch.Schedule
		updates["next_run_at"] = next
	}
	if patch.IsActive != nil {
		updates["is_active"] = *patch.IsActive
	}
	if patch.Parameters != nil {
		updates["parameters"] = datatypes.JSON(patch.Parameters)
	}
	if patch.MaxRetries != nil {
		if *patch.MaxRetries < 0 {
			return nil, errutil.ValidationFailed("max_retries must be >= 0")
		}
		updates["max_retries"] = *patch.MaxRetries
	}
	if patch.TimeoutSeconds != nil {
		if *patch.TimeoutSeconds <= 0 {
			return nil, errutil.ValidationFailed("timeout_seconds must be > 0")
		}
		updates["timeout_seconds"] = *patch.TimeoutSeconds
	}

	if len(updates) == 0 {
		return job, nil
	}

	if err := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, errutil.StoreFailure("failed to update job "+id, errutil.WithErr(err))
	}

	return r.Get(ctx, id)
}

// Delete removes a job and its execution history. Rejected while an execution
// is in flight.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}

	running, err := r.HasRunningExecution(ctx, id)
	if err != nil {
		return err
	}
	if running {
		return errutil.Conflict("job has a running execution: " + id)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&JobExecution{}).Error; err != nil {
			return errutil.StoreFailure("failed to delete executions for job "+id, errutil.WithErr(err))
		}
		if err := tx.Where("id = ?", id).Delete(&Job{}).Error; err != nil {
			return errutil.StoreFailure("failed to delete job "+id, errutil.WithErr(err))
		}
		return nil
	})
}

// ListDue returns active jobs whose next_run_at has passed, in deterministic
// dispatch order.
func (r *Registry) ListDue(ctx context.Context, now time.Time) ([]Job, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at, id").
		Find(&jobs).Error
	if err != nil {
		return nil, errutil.StoreFailure("failed to list due jobs", errutil.WithErr(err))
	}
	return jobs, nil
}

// BootstrapPresets idempotently creates the well-known jobs: one collection
// job per registered source plus a history cleanup job. Existing names are
// left untouched. Returns the number of jobs created.
func (r *Registry) BootstrapPresets(ctx context.Context) (int, error) {
	presets := []JobDefinition{}
	for _, sourceID := range r.sources.Known() {
		params, _ := json.Marshal(map[string]any{"source_id": sourceID})
		presets = append(presets, JobDefinition{
			Name:           "collect-" + sourceID,
			Type:           TypeCollection,
			HandlerRef:     HandlerCollectionRun,
			Schedule:       "0 2 * * *",
			Parameters:     params,
			MaxRetries:     3,
			TimeoutSeconds: 3600,
		})
	}
	presets = append(presets, JobDefinition{
		Name:           "cleanup-history",
		Type:           TypeCleanup,
		HandlerRef:     HandlerCleanup,
		Schedule:       "30 4 * * *",
		MaxRetries:     1,
		TimeoutSeconds: 600,
	})

	created := 0
	for _, def := range presets {
		var count int64
		if err := r.db.WithContext(ctx).Model(&Job{}).Where("name = ?", def.Name).Count(&count).Error; err != nil {
			return created, errutil.StoreFailure("failed to check preset "+def.Name, errutil.WithErr(err))
		}
		if count > 0 {
			continue
		}
		if _, err := r.Create(ctx, def); err != nil {
			return created, err
		}
		created++
	}

	return created, nil
}

// ReconcileStale repairs state left behind by a process crash: executions
// still marked running have no live context anymore and become failed, as do
// their jobs.
func (r *Registry) ReconcileStale(ctx context.Context) error {
	now := r.now()

	err := r.db.WithContext(ctx).Model(&JobExecution{}).
		Where("status = ?", ExecutionRunning).
		Updates(map[string]any{
			"status":        ExecutionFailed,
			"completed_at":  now,
			"error_message": "process restarted",
		}).Error
	if err != nil {
		return errutil.StoreFailure("failed to reconcile stale executions", errutil.WithErr(err))
	}

	err = r.db.WithContext(ctx).Model(&Job{}).
		Where("status IN ?", []JobStatus{JobRunning, JobScheduled}).
		Updates(map[string]any{
			"status":     JobFailed,
			"last_error": "process restarted",
		}).Error
	if err != nil {
		return errutil.StoreFailure("failed to reconcile stale jobs", errutil.WithErr(err))
	}

	return nil
}

// HasRunningExecution reports whether the job has an in-flight execution.
func (r *Registry) HasRunningExecution(ctx context.Context, jobID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&JobExecution{}).
		Where("job_id = ? AND status = ?", jobID, ExecutionRunning).
		Count(&count).Error
	if err != nil {
		return false, errutil.StoreFailure("failed to check executions for job "+jobID, errutil.WithErr(err))
	}
	return count > 0, nil
}

// MarkScheduled flags a job picked up for dispatch before its execution
// opens. A crash in this window is repaired by ReconcileStale.
func (r *Registry) MarkScheduled(ctx context.Context, jobID string) error {
	return r.updateJob(ctx, jobID, map[string]any{"status": JobScheduled})
}

// StartExecution opens a new execution record and moves the job to running.
func (r *Registry) StartExecution(ctx context.Context, jobID string) (*JobExecution, error) {
	now := r.now()
	exec := &JobExecution{
		ID:        r.node.Generate().String(),
		JobID:     jobID,
		Status:    ExecutionRunning,
		StartedAt: now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exec).Error; err != nil {
			return err
		}
		return tx.Model(&Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status":      JobRunning,
			"last_run_at": now,
		}).Error
	})
	if err != nil {
		return nil, errutil.StoreFailure("failed to start execution for job "+jobID, errutil.WithErr(err))
	}

	return exec, nil
}

// CompleteExecution closes an execution exactly once.
func (r *Registry) CompleteExecution(ctx context.Context, exec *JobExecution, runErr error) error {
	now := r.now()
	status := ExecutionSuccess
	errMsg := ""
	if runErr != nil {
		status = ExecutionFailed
		errMsg = runErr.Error()
	}

	err := r.db.WithContext(ctx).Model(&JobExecution{}).
		Where("id = ? AND status = ?", exec.ID, ExecutionRunning).
		Updates(map[string]any{
			"status":           status,
			"completed_at":     now,
			"duration_seconds": now.Sub(exec.StartedAt).Seconds(),
			"error_message":    errMsg,
		}).Error
	if err != nil {
		return errutil.StoreFailure("failed to complete execution "+exec.ID, errutil.WithErr(err))
	}
	return nil
}

// MarkSucceeded finishes a due cycle successfully: retry count resets and
// next_run_at advances to the next cron occurrence.
func (r *Registry) MarkSucceeded(ctx context.Context, job *Job) error {
	next, err := r.nextAfter(job.Schedule, r.now())
	if err != nil {
		return err
	}
	return r.updateJob(ctx, job.ID, map[string]any{
		"status":      JobSucceeded,
		"retry_count": 0,
		"last_error":  "",
		"next_run_at": next,
	})
}

// MarkRetrying records a failed attempt that still has retry budget.
func (r *Registry) MarkRetrying(ctx context.Context, job *Job, retryCount int, runErr error) error {
	return r.updateJob(ctx, job.ID, map[string]any{
		"retry_count": retryCount,
		"last_error":  runErr.Error(),
	})
}

// MarkFailed ends a due cycle after the retry budget is spent. The retry
// count resets for the next scheduled occurrence.
func (r *Registry) MarkFailed(ctx context.Context, job *Job, runErr error) error {
	next, err := r.nextAfter(job.Schedule, r.now())
	if err != nil {
		return err
	}
	return r.updateJob(ctx, job.ID, map[string]any{
		"status":      JobFailed,
		"retry_count": 0,
		"last_error":  runErr.Error(),
		"next_run_at": next,
	})
}

func (r *Registry) updateJob(ctx context.Context, id string, updates map[string]any) error {
	if err := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return errutil.StoreFailure("failed to update job "+id, errutil.WithErr(err))
	}
	return nil
}

// ListExecutions returns history for one job, most recent first, bounded by
// the configured page size.
func (r *Registry) ListExecutions(ctx context.Context, jobID string, limit int) ([]JobExecution, error) {
	if limit <= 0 || limit > r.pageSize {
		limit = r.pageSize
	}

	var execs []JobExecution
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, errutil.StoreFailure("failed to list executions for job "+jobID, errutil.WithErr(err))
	}
	return execs, nil
}

// PruneExecutions deletes completed executions older than the cutoff.
func (r *Registry) PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status <> ? AND completed_at < ?", ExecutionRunning, olderThan).
		Delete(&JobExecution{})
	if res.Error != nil {
		return 0, errutil.StoreFailure("failed to prune executions", errutil.WithErr(res.Error))
	}
	if res.RowsAffected > 0 {
		zap.L().Info("pruned job executions", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// nextAfter computes the occurrence strictly after t. Never in the past, so a
// long outage yields at most one catch-up run instead of a dispatch storm.
func (r *Registry) nextAfter(schedule string, t time.Time) (*time.Time, error) {
	sched, err := r.parser.Parse(schedule)
	if err != nil {
		return nil, errutil.ValidationFailed(fmt.Sprintf("invalid cron schedule: %s", schedule), errutil.WithErr(err))
	}
	next := sched.Next(t)
	return &next, nil
}
