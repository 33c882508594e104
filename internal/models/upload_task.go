package models

import (
	"time"
)

// UploadTask is the persisted form of one upload task.
// Raw file content is never stored.
type UploadTask struct {
	ID          string    `gorm:"primaryKey" json:"id"`                              // UUID task ID
	Filename    string    `gorm:"not null" json:"filename"`
	TargetID    string    `gorm:"not null;column:target_id;index" json:"target_id"` // destination knowledge base
	Status      string    `gorm:"not null;default:queued;index" json:"status"`      // queued, transferring, processing, completed, failed
	Progress    int       `gorm:"not null;default:0" json:"progress"`               // 0-100
	RemoteJobID string    `gorm:"column:remote_job_id" json:"remote_job_id,omitempty"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	Position    int       `gorm:"not null;default:0" json:"position"` // submission order within the snapshot
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (UploadTask) TableName() string {
	return "upload_tasks"
}
