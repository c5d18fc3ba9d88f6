package service

import (
	"context"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrValidation        = errors.New("invalid request")
	ErrPlanning          = errors.New("planning failed")
	ErrForbidden         = errors.New("workflow belongs to another user")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoReport          = errors.New("workflow has no report")
)

// ValidationError describes a rejected request. It matches ErrValidation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func validationError(format string, args ...interface{}) error {
	return &ValidationError{Msg: errors.Errorf(format, args...).Error()}
}

// TransitionError describes a cancel or retry on a run in the wrong status.
// It matches ErrInvalidTransition.
type TransitionError struct {
	Op     string
	Status models.RunStatus
}

func (e *TransitionError) Error() string {
	return "cannot " + e.Op + " a " + string(e.Status) + " workflow"
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PlanningError wraps a planner failure. It matches ErrPlanning.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string { return "planning failed: " + e.Err.Error() }

func (e *PlanningError) Unwrap() error { return e.Err }

func (e *PlanningError) Is(target error) bool { return target == ErrPlanning }

// ExecutionError is a step failure. Retryable failures (network errors,
// 5xx, rate limiting, timeouts) may succeed when repeated with the same input.
type ExecutionError struct {
	StepType  models.StepType
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &ExecutionError{Retryable: true, Err: err}
}

func Permanent(err error) error {
	return &ExecutionError{Retryable: false, Err: err}
}

func IsRetryable(err error) bool {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return false
}

// asExecutionError classifies an arbitrary executor error, tagging it with
// the step type. Unclassified errors are permanent, timeouts transient.
func asExecutionError(stepType models.StepType, err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		if execErr.StepType == "" {
			execErr.StepType = stepType
		}
		return execErr
	}
	return &ExecutionError{
		StepType:  stepType,
		Retryable: errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}
