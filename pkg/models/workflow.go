package models

import (
	"time"

	"github.com/lib/pq"
)

type RunStatus string

const (
	PendingRunStatus   RunStatus = "pending"
	RunningRunStatus   RunStatus = "running"
	CompletedRunStatus RunStatus = "completed"
	FailedRunStatus    RunStatus = "failed"
)

type Depth string

const (
	QuickDepth    Depth = "quick"
	StandardDepth Depth = "standard"
	DeepDepth     Depth = "deep"
)

func (d Depth) Valid() bool {
	switch d {
	case QuickDepth, StandardDepth, DeepDepth:
		return true
	}
	return false
}

type OutputFormat string

const (
	SummaryOutputFormat OutputFormat = "summary"
	ReportOutputFormat  OutputFormat = "report"
	ListOutputFormat    OutputFormat = "list"
)

func (f OutputFormat) Valid() bool {
	switch f {
	case SummaryOutputFormat, ReportOutputFormat, ListOutputFormat:
		return true
	}
	return false
}

// WorkflowRun is one instance of a user-initiated research goal.
type WorkflowRun struct {
	ID           string          `json:"id" db:"id"`                                 // UUID
	UserID       string          `json:"user_id" db:"user_id"`                       // Owner; the only caller allowed to read or mutate the run
	Goal         string          `json:"goal" db:"goal"`                             // Original natural-language request
	Title        string          `json:"title" db:"title"`                           // Planner output
	Description  string          `json:"description" db:"description"`               // Planner output
	Steps        StepDefinitions `json:"steps" db:"steps"`                           // Fixed at creation
	Status       RunStatus       `json:"status" db:"status"`                         // "pending", "running", "completed", "failed"
	CurrentStep  int             `json:"current_step" db:"current_step"`             // Index of the next step to execute
	FailedStep   *int            `json:"failed_step,omitempty" db:"failed_step"`     // Step that caused the failure
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"` // Last failure reason
	Sources      pq.StringArray  `json:"sources" db:"sources"`
	Depth        Depth           `json:"depth" db:"depth"`
	OutputFormat OutputFormat    `json:"output_format" db:"output_format"`
	ReportID     *string         `json:"report_id,omitempty" db:"report_id"` // Set only once completed
	Generation   int             `json:"generation" db:"generation"`         // Bumped by every retry; fences stale engine tasks
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

func (r WorkflowRun) TotalSteps() int {
	return len(r.Steps)
}
