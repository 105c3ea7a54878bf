package task

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Job is an execution record for one housekeeping run.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	Name        string         `gorm:"column:name;index;type:varchar(100);not null"`
	Status      JobStatus      `gorm:"column:status;type:varchar(20);default:'running'"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	StartedAt   time.Time      `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
}

func (Job) TableName() string {
	return "housekeeping_jobs"
}
