package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/storage"
	"github.com/pkg/errors"
)

// StepService owns the persisted side of a step attempt: its execution record
// and the run fields that move with it. Every write is conditioned on the run
// still being the running generation the caller started from.
type StepService struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewStepService(store storage.Store, logger Logger, now func() time.Time) *StepService {
	if now == nil {
		now = time.Now
	}
	return &StepService{store: store, logger: logger, now: now}
}

// withTx runs fn in a transaction, committing on success and rolling back on error.
func withTx(store storage.Store, logger Logger, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		logger.Errorf("Failed to begin transaction: %v", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// Start records a running execution for the run's current step. It returns
// storage.ErrStatusConflict if the run changed since it was read.
func (ss *StepService) Start(run models.WorkflowRun) (models.StepExecution, error) {
	exec := models.StepExecution{
		ID:         uuid.NewString(),
		WorkflowID: run.ID,
		StepIndex:  run.CurrentStep,
		Status:     models.RunningStepStatus,
		CreatedAt:  ss.now(),
	}
	err := withTx(ss.store, ss.logger, func(tx storage.Store) error {
		current, err := tx.GetRun(run.ID)
		if err != nil {
			return err
		}
		if storage.VersionOf(current) != storage.VersionOf(run) {
			return storage.ErrStatusConflict
		}
		return tx.SaveStepExecution(exec)
	})
	if err != nil {
		return models.StepExecution{}, err
	}
	return exec, nil
}

// Complete advances the run past a successful step and stores the step's
// output. The run is written first so a cancelled run never receives a late
// success.
func (ss *StepService) Complete(run models.WorkflowRun, exec models.StepExecution, output models.StepOutput, duration time.Duration, attempts int) (models.WorkflowRun, error) {
	next := run
	next.CurrentStep = exec.StepIndex + 1

	completedAt := ss.now()
	exec.Status = models.CompletedStepStatus
	exec.Output = &output
	exec.Error = ""
	exec.DurationMs = duration.Milliseconds()
	exec.Attempts = attempts
	exec.CompletedAt = &completedAt

	err := withTx(ss.store, ss.logger, func(tx storage.Store) error {
		if err := tx.UpdateRun(next, storage.VersionOf(run)); err != nil {
			return err
		}
		return tx.UpdateStepExecution(exec, models.RunningStepStatus)
	})
	if err != nil {
		return run, err
	}
	return next, nil
}

// Fail marks the step and the run failed. CurrentStep stays at the failed
// step so a retry resumes there.
func (ss *StepService) Fail(run models.WorkflowRun, exec models.StepExecution, stepErr error, duration time.Duration, attempts int) error {
	failedStep := exec.StepIndex
	next := run
	next.Status = models.FailedRunStatus
	next.FailedStep = &failedStep
	next.ErrorMessage = stepErr.Error()

	completedAt := ss.now()
	exec.Status = models.FailedStepStatus
	exec.Error = stepErr.Error()
	exec.DurationMs = duration.Milliseconds()
	exec.Attempts = attempts
	exec.CompletedAt = &completedAt

	return withTx(ss.store, ss.logger, func(tx storage.Store) error {
		if err := tx.UpdateRun(next, storage.VersionOf(run)); err != nil {
			return err
		}
		return tx.UpdateStepExecution(exec, models.RunningStepStatus)
	})
}

// Abandon closes an execution whose outcome can no longer be applied because
// the run moved on while the step was in flight. An execution already closed
// by cancel, or removed by retry, is left as is.
func (ss *StepService) Abandon(exec models.StepExecution, reason string, duration time.Duration, attempts int) {
	completedAt := ss.now()
	exec.Status = models.FailedStepStatus
	exec.Error = reason
	exec.DurationMs = duration.Milliseconds()
	exec.Attempts = attempts
	exec.CompletedAt = &completedAt
	err := ss.store.UpdateStepExecution(exec, models.RunningStepStatus)
	if err != nil && !errors.Is(err, storage.ErrStatusConflict) && !errors.Is(err, storage.ErrNotFound) {
		ss.logger.Errorf("Failed to close abandoned execution %s of run %s: %v", exec.ID, exec.WorkflowID, err)
	}
}

// LatestExecutions returns the authoritative execution per step index.
func (ss *StepService) LatestExecutions(workflowID string) (map[int]models.StepExecution, error) {
	execs, err := ss.store.ListStepExecutions(workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "list executions of run %s", workflowID)
	}
	return latestByIndex(execs), nil
}

// latestByIndex keeps the last execution per index; executions arrive in
// creation order.
func latestByIndex(execs []models.StepExecution) map[int]models.StepExecution {
	latest := make(map[int]models.StepExecution, len(execs))
	for _, e := range execs {
		latest[e.StepIndex] = e
	}
	return latest
}
