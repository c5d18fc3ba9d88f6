package models

import "time"

type StepStatus string

const (
	PendingStepStatus   StepStatus = "pending"
	RunningStepStatus   StepStatus = "running"
	CompletedStepStatus StepStatus = "completed"
	FailedStepStatus    StepStatus = "failed"
)

// StepExecution records one attempt at a step. A step may accumulate several
// over its lifetime; the latest one is authoritative.
type StepExecution struct {
	ID          string      `json:"id" db:"id"`
	WorkflowID  string      `json:"workflow_id" db:"workflow_id"`
	StepIndex   int         `json:"step_index" db:"step_index"`
	Status      StepStatus  `json:"status" db:"status"`
	Output      *StepOutput `json:"output,omitempty" db:"output"`
	Error       string      `json:"error,omitempty" db:"error"`
	DurationMs  int64       `json:"duration_ms" db:"duration_ms"`
	Attempts    int         `json:"attempts" db:"attempts"` // In-step attempts, including transient retries
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}
