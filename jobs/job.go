// Package jobs is the asynchronous inference engine: a durable job table,
// broker-backed dispatch, worker-side execution with bounded retries, and
// retention sweeping for terminal rows.
package jobs

import (
	"time"

	"modelforge.evalgo.org/catalog"
)

// Status is a job lifecycle state. Values are stored lowercase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TerminalStatuses are the states a job can never leave. Only terminal rows
// may be deleted or reaped.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders jobs within the queue. The broker treats it as advisory.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Job is one asynchronous inference request. The row is the source of truth
// for job state; the broker only carries dispatch envelopes pointing at it.
//
// started_at is set exactly when a worker claims the row, and completed_at
// exactly when it reaches a terminal state, so the pair doubles as an audit
// trail for queue and execution latency.
type Job struct {
	ID      string         `gorm:"type:uuid;primaryKey" json:"id"`
	ModelID string         `gorm:"type:uuid;not null;index" json:"model_id"`
	Parent  *catalog.Model `gorm:"foreignKey:ModelID;constraint:OnDelete:CASCADE" json:"-"`

	Status   Status   `gorm:"size:20;not null;index" json:"status"`
	Priority Priority `gorm:"size:10;not null" json:"priority"`

	InputData  map[string]interface{} `gorm:"serializer:json" json:"input_data"`
	OutputData map[string]interface{} `gorm:"serializer:json" json:"output_data"`

	// WorkerTaskID is the broker envelope id, set once dispatch succeeds.
	// WorkerID is the identity of the worker that claimed the row.
	WorkerTaskID *string `gorm:"size:64" json:"worker_task_id"`
	WorkerID     *string `gorm:"size:128" json:"worker_id"`

	Retries    int `gorm:"not null;default:0" json:"retries"`
	MaxRetries int `gorm:"not null;default:3" json:"max_retries"`

	ErrorMessage   *string `gorm:"type:text" json:"error_message"`
	ErrorTraceback *string `gorm:"type:text" json:"error_traceback"`

	InferenceTimeMS *float64 `json:"inference_time_ms"`
	QueueTimeMS     *float64 `json:"queue_time_ms"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	if j == nil {
		return false
	}
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job may still be cancelled.
func (j *Job) Active() bool {
	if j == nil {
		return false
	}
	switch j.Status {
	case StatusPending, StatusQueued, StatusRunning:
		return true
	}
	return false
}
