package scheduler

import (
	"time"

	"gorm.io/datatypes"
)

type JobType string

const (
	TypeCollection      JobType = "collection"
	TypeImageProcessing JobType = "image_processing"
	TypeDataSync        JobType = "data_sync"
	TypeCleanup         JobType = "cleanup"
	TypeAnalysis        JobType = "analysis"
	TypeReport          JobType = "report"
)

func (t JobType) Valid() bool {
	switch t {
	case TypeCollection, TypeImageProcessing, TypeDataSync, TypeCleanup, TypeAnalysis, TypeReport:
		return true
	default:
		return false
	}
}

type JobStatus string

const (
	JobIdle      JobStatus = "idle"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Job is a recurring unit of work. Runtime fields (Status, RetryCount,
// LastRunAt, NextRunAt, LastError) are mutated only by the scheduler loop and
// the explicit toggle/delete operations.
type Job struct {
	ID             string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Name           string         `gorm:"column:name;uniqueIndex;type:varchar(100);not null" json:"name"`
	Type           JobType        `gorm:"column:type;type:varchar(30);not null" json:"type"`
	HandlerRef     string         `gorm:"column:handler_ref;type:varchar(100);not null" json:"handler_ref"`
	Schedule       string         `gorm:"column:schedule;type:varchar(50);not null" json:"schedule"`
	Parameters     datatypes.JSON `gorm:"column:parameters" json:"parameters,omitempty"`
	MaxRetries     int            `gorm:"column:max_retries" json:"max_retries"`
	TimeoutSeconds int            `gorm:"column:timeout_seconds" json:"timeout_seconds"`
	IsActive       bool           `gorm:"column:is_active;default:true" json:"is_active"`
	Status         JobStatus      `gorm:"column:status;type:varchar(20);default:'idle'" json:"status"`
	RetryCount     int            `gorm:"column:retry_count" json:"retry_count"`
	LastRunAt      *time.Time     `gorm:"column:last_run_at" json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `gorm:"column:next_run_at;index" json:"next_run_at,omitempty"`
	LastError      string         `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// JobExecution is the append-only audit record of one run attempt. Completed
// exactly once, never mutated afterwards. CompletedAt stays null while the
// attempt is still running.
type JobExecution struct {
	ID              string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	JobID           string          `gorm:"column:job_id;index;not null" json:"job_id"`
	Status          ExecutionStatus `gorm:"column:status;type:varchar(20);default:'running'" json:"status"`
	StartedAt       time.Time       `gorm:"column:started_at" json:"started_at"`
	CompletedAt     *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DurationSeconds float64         `gorm:"column:duration_seconds" json:"duration_seconds"`
	ErrorMessage    string          `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
}

// SchedulerStatus is the control-surface status payload.
type SchedulerStatus struct {
	IsRunning        bool `json:"is_running"`
	RunningJobsCount int  `json:"running_jobs_count"`
}
