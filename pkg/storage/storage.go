package storage

import (
	"time"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned by conditional updates when the stored
	// status no longer matches the expected one.
	ErrStatusConflict = errors.New("status conflict")
)

// RunVersion is the part of a run a conditional update compares against.
// A step advance changes CurrentStep without changing Status, so both are
// checked along with the retry Generation.
type RunVersion struct {
	Status      models.RunStatus
	Generation  int
	CurrentStep int
}

// VersionOf returns the version of r as it was read.
func VersionOf(r models.WorkflowRun) RunVersion {
	return RunVersion{Status: r.Status, Generation: r.Generation, CurrentStep: r.CurrentStep}
}

// Store defines the storage operations for scoutflow.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(r models.WorkflowRun) error
	GetRun(id string) (models.WorkflowRun, error)
	ListRuns(userID string) ([]models.WorkflowRun, error)
	ListRunsByStatus(status models.RunStatus) ([]models.WorkflowRun, error)
	// UpdateRun writes the mutable fields of r only if the stored run still
	// matches expected.
	UpdateRun(r models.WorkflowRun, expected RunVersion) error

	// Step execution operations
	SaveStepExecution(e models.StepExecution) error
	// UpdateStepExecution writes e only if the stored status equals expected.
	// Completed executions are never rewritten.
	UpdateStepExecution(e models.StepExecution, expected models.StepStatus) error
	ListStepExecutions(workflowID string) ([]models.StepExecution, error)
	DeleteFailedStepExecutions(workflowID string, fromIndex int) error
	FailActiveStepExecutions(workflowID string, reason string, at time.Time) error

	// Report operations
	SaveReport(r models.Report) error
	GetReport(id string) (models.Report, error)
}
