package service

import (
	"context"
	"sort"
	"sync"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/pkg/errors"
)

// RunContext is what a step may know about its run. It is rebuilt from
// persisted executions before every step, so nothing leaks between steps
// except completed outputs.
type RunContext struct {
	WorkflowID   string
	Goal         string
	Sources      []string
	Depth        models.Depth
	OutputFormat models.OutputFormat
	Previous     map[int]models.StepOutput // completed outputs of earlier steps, by index
}

// PreviousInOrder returns the completed outputs sorted by step index.
func (rc RunContext) PreviousInOrder() []models.StepOutput {
	indices := make([]int, 0, len(rc.Previous))
	for i := range rc.Previous {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	outputs := make([]models.StepOutput, 0, len(indices))
	for _, i := range indices {
		outputs = append(outputs, rc.Previous[i])
	}
	return outputs
}

// StepExecutor performs one step's external action.
type StepExecutor interface {
	Execute(ctx context.Context, step models.StepDefinition, rc RunContext) (models.StepOutput, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step models.StepDefinition, rc RunContext) (models.StepOutput, error)

func (f StepExecutorFunc) Execute(ctx context.Context, step models.StepDefinition, rc RunContext) (models.StepOutput, error) {
	return f(ctx, step, rc)
}

// ExecutorRegistry maps each step type to the executor that handles it.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[models.StepType]StepExecutor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[models.StepType]StepExecutor)}
}

// Register binds an executor to a step type, replacing any previous binding.
func (r *ExecutorRegistry) Register(stepType models.StepType, executor StepExecutor) error {
	if !stepType.Valid() {
		return errors.Errorf("unknown step type %q", stepType)
	}
	if executor == nil {
		return errors.Errorf("nil executor for step type %q", stepType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stepType] = executor
	return nil
}

// Lookup returns the executor for a step type. A missing binding is a
// permanent execution error: retrying cannot fix it.
func (r *ExecutorRegistry) Lookup(stepType models.StepType) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[stepType]
	if !ok {
		return nil, &ExecutionError{
			StepType:  stepType,
			Retryable: false,
			Err:       errors.Errorf("no executor registered for step type %q", stepType),
		}
	}
	return executor, nil
}

func (r *ExecutorRegistry) Types() []models.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.StepType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
