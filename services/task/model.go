package task

import (
	"time"

	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Run is the execution record of one background pass.
type Run struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	Name        string         `gorm:"column:name;index;type:varchar(100);not null" json:"name"`
	Status      RunStatus      `gorm:"column:status;type:varchar(20);not null" json:"status"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text" json:"error,omitempty"`
	StartedAt   time.Time      `gorm:"column:started_at;index;not null" json:"started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Summary     datatypes.JSON `gorm:"column:summary" json:"summary,omitempty"`
}

func (Run) TableName() string { return "task_runs" }

// ReconcilePayload is the asynq payload of a full mapping reconciliation.
type ReconcilePayload struct {
	DryRun bool `json:"dry_run"`
}

// DriftPayload selects one provider; empty runs every configured provider.
type DriftPayload struct {
	ProviderID string `json:"provider_id,omitempty"`
}
