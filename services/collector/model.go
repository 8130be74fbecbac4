package collector

import (
	"time"
)

type BatchStatus string

const (
	BatchRunning BatchStatus = "running"
	BatchSuccess BatchStatus = "success"
	BatchFailed  BatchStatus = "failed"
)

// BatchRecord audits one sync pass against one source, whether triggered by a
// scheduled collection job or manually. TotalCollected counts first-sight
// products; TotalUpdated counts re-observed ones.
type BatchRecord struct {
	ID             string      `gorm:"column:id;primaryKey;type:varchar(32)" json:"batch_id"`
	SourceID       string      `gorm:"column:source_id;index;not null" json:"source_id"`
	Status         BatchStatus `gorm:"column:status;type:varchar(20);default:'running'" json:"status"`
	StartedAt      time.Time   `gorm:"column:started_at" json:"started_at"`
	CompletedAt    *time.Time  `gorm:"column:completed_at" json:"completed_at,omitempty"`
	TotalCollected int         `gorm:"column:total_collected" json:"total_collected"`
	TotalUpdated   int         `gorm:"column:total_updated" json:"total_updated"`
	ErrorMessage   string      `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
}
