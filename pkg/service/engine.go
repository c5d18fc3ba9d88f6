package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// DefaultStepTimeout bounds a single attempt of a step
	DefaultStepTimeout = 60 * time.Second
	DefaultRetryDelay  = 100 * time.Millisecond

	CancelledByUser      = "Cancelled by user"
	InterruptedByRestart = "Interrupted by restart"
	NotQueued            = "Not queued: the server is busy, retry later"

	maxGoalLength = 2000
	maxSources    = 10
)

var defaultSources = []string{"web"}

type engineConfig struct {
	workers     int
	queueSize   int
	stepTimeout time.Duration
	stepRetries int
	retryDelay  time.Duration
	locker      storage.RunLocker
	now         func() time.Time
}

type EngineOption func(*engineConfig)

func WithWorkers(n int) EngineOption {
	return func(c *engineConfig) { c.workers = n }
}

func WithQueueSize(n int) EngineOption {
	return func(c *engineConfig) { c.queueSize = n }
}

func WithStepTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		if d > 0 {
			c.stepTimeout = d
		}
	}
}

// WithStepRetries sets how many extra attempts a step gets for retryable errors.
func WithStepRetries(n int) EngineOption {
	return func(c *engineConfig) {
		if n >= 0 {
			c.stepRetries = n
		}
	}
}

func WithRetryDelay(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.retryDelay = d }
}

func WithLocker(l storage.RunLocker) EngineOption {
	return func(c *engineConfig) { c.locker = l }
}

func WithClock(now func() time.Time) EngineOption {
	return func(c *engineConfig) { c.now = now }
}

type CreateRequest struct {
	Goal         string              `json:"goal"`
	Sources      []string            `json:"sources,omitempty"`
	Depth        models.Depth        `json:"depth,omitempty"`
	OutputFormat models.OutputFormat `json:"outputFormat,omitempty"`
}

// Engine creates research runs from goals and drives them step by step in
// the background. Runs move pending -> running -> completed|failed; a failed
// run may be retried back to running. Every transition is a conditional
// update on (status, generation), so cancel, retry and in-flight steps never
// overwrite each other.
type Engine struct {
	store     storage.Store
	planner   Planner
	executors *ExecutorRegistry
	logger    Logger
	steps     *StepService
	wp        *WorkerPool
	cfg       engineConfig
}

func NewEngine(ctx context.Context, store storage.Store, planner Planner, executors *ExecutorRegistry, logger Logger, opts ...EngineOption) *Engine {
	cfg := engineConfig{
		queueSize:   DefaultQueueSize,
		stepTimeout: DefaultStepTimeout,
		retryDelay:  DefaultRetryDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.locker == nil {
		cfg.locker = storage.NewMemoryLocker()
	}
	wp := NewWorkerPool(ctx, logger)
	wp.Start(cfg.workers, cfg.queueSize)
	return &Engine{
		store:     store,
		planner:   planner,
		executors: executors,
		logger:    logger,
		steps:     NewStepService(store, logger, cfg.now),
		wp:        wp,
		cfg:       cfg,
	}
}

// Stop drains queued runs and waits for the workers to exit.
func (e *Engine) Stop() {
	e.wp.Stop()
}

// Plan validates a request and produces its plan without persisting anything.
func (e *Engine) Plan(ctx context.Context, req CreateRequest) (CreateRequest, Plan, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return req, Plan{}, err
	}
	plan, err := e.planner.Plan(ctx, PlanRequest{
		Goal:         req.Goal,
		Sources:      req.Sources,
		Depth:        req.Depth,
		OutputFormat: req.OutputFormat,
	})
	if err != nil {
		return req, Plan{}, &PlanningError{Err: err}
	}
	if err := ValidatePlan(plan); err != nil {
		return req, Plan{}, &PlanningError{Err: err}
	}
	return req, plan, nil
}

// Create plans the goal, persists a pending run and hands it to the worker
// pool. It returns as soon as the run is queued. When the pool refuses the
// run it is recorded as failed and the error wraps ErrQueueFull or
// ErrPoolStopped.
func (e *Engine) Create(ctx context.Context, userID string, req CreateRequest) (models.WorkflowRun, error) {
	run, err := e.create(ctx, userID, req)
	if err != nil {
		return models.WorkflowRun{}, err
	}
	if err := e.dispatch(run.ID); err != nil {
		return models.WorkflowRun{}, errors.Wrapf(err, "failed to queue workflow %s", run.ID)
	}
	return run, nil
}

// CreateAndWait is Create followed by driving the run on the caller's goroutine.
func (e *Engine) CreateAndWait(ctx context.Context, userID string, req CreateRequest) (models.WorkflowRun, error) {
	run, err := e.create(ctx, userID, req)
	if err != nil {
		return models.WorkflowRun{}, err
	}
	if err := e.Drive(ctx, run.ID); err != nil {
		return run, err
	}
	return e.store.GetRun(run.ID)
}

func (e *Engine) create(ctx context.Context, userID string, req CreateRequest) (models.WorkflowRun, error) {
	if userID == "" {
		return models.WorkflowRun{}, validationError("user id is required")
	}
	req, plan, err := e.Plan(ctx, req)
	if err != nil {
		return models.WorkflowRun{}, err
	}

	now := e.cfg.now()
	run := models.WorkflowRun{
		ID:           uuid.NewString(),
		UserID:       userID,
		Goal:         req.Goal,
		Title:        plan.Title,
		Description:  plan.Description,
		Steps:        plan.Steps,
		Status:       models.PendingRunStatus,
		CurrentStep:  0,
		Sources:      req.Sources,
		Depth:        req.Depth,
		OutputFormat: req.OutputFormat,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.SaveRun(run); err != nil {
		return models.WorkflowRun{}, errors.Wrap(err, "failed to persist workflow")
	}
	e.logger.Infof("Created workflow %s for user %s with %d steps", run.ID, userID, run.TotalSteps())
	return run, nil
}

func normalizeRequest(req CreateRequest) (CreateRequest, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return req, validationError("goal is required")
	}
	if len(req.Goal) > maxGoalLength {
		return req, validationError("goal too long (max %d characters)", maxGoalLength)
	}

	var sources []string
	seen := make(map[string]bool)
	for _, s := range req.Sources {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		sources = append(sources, s)
	}
	if len(sources) > maxSources {
		return req, validationError("too many sources (max %d)", maxSources)
	}
	if len(sources) == 0 {
		sources = append([]string(nil), defaultSources...)
	}
	req.Sources = sources

	if req.Depth == "" {
		req.Depth = models.StandardDepth
	}
	if !req.Depth.Valid() {
		return req, validationError("invalid depth %q; must be 'quick', 'standard' or 'deep'", req.Depth)
	}
	if req.OutputFormat == "" {
		req.OutputFormat = models.SummaryOutputFormat
	}
	if !req.OutputFormat.Valid() {
		return req, validationError("invalid output format %q; must be 'summary', 'report' or 'list'", req.OutputFormat)
	}
	return req, nil
}

// Get returns a run owned by userID. A missing run is storage.ErrNotFound,
// someone else's run is ErrForbidden.
func (e *Engine) Get(userID, runID string) (models.WorkflowRun, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return models.WorkflowRun{}, err
	}
	if run.UserID != userID {
		return models.WorkflowRun{}, ErrForbidden
	}
	return run, nil
}

func (e *Engine) List(userID string) ([]models.WorkflowRun, error) {
	return e.store.ListRuns(userID)
}

// Report returns the artifact of a completed run.
func (e *Engine) Report(userID, runID string) (models.Report, error) {
	run, err := e.Get(userID, runID)
	if err != nil {
		return models.Report{}, err
	}
	if run.ReportID == nil {
		return models.Report{}, ErrNoReport
	}
	return e.store.GetReport(*run.ReportID)
}

// Cancel fails a pending or running run and every execution still in flight.
// The in-flight external call itself is not interrupted; its outcome is
// discarded when it arrives.
func (e *Engine) Cancel(userID, runID string) error {
	// the run may start or advance a step between our read and our write;
	// re-read and try again
	for attempt := 0; attempt < 3; attempt++ {
		run, err := e.Get(userID, runID)
		if err != nil {
			return err
		}
		if run.Status != models.PendingRunStatus && run.Status != models.RunningRunStatus {
			return &TransitionError{Op: "cancel", Status: run.Status}
		}

		expected := storage.VersionOf(run)
		failedStep := run.CurrentStep
		run.Status = models.FailedRunStatus
		run.FailedStep = &failedStep
		run.ErrorMessage = CancelledByUser

		err = withTx(e.store, e.logger, func(tx storage.Store) error {
			if err := tx.UpdateRun(run, expected); err != nil {
				return err
			}
			return tx.FailActiveStepExecutions(run.ID, CancelledByUser, e.cfg.now())
		})
		if errors.Is(err, storage.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to cancel workflow %s", runID)
		}
		e.logger.Infof("Cancelled workflow %s at step %d", runID, failedStep)
		return nil
	}
	return errors.Wrapf(storage.ErrStatusConflict, "workflow %s kept changing while cancelling", runID)
}

// Retry resumes a failed run from its failed step (or from the start when the
// failure was not attributable to a step) and returns that index.
func (e *Engine) Retry(userID, runID string) (int, error) {
	run, err := e.Get(userID, runID)
	if err != nil {
		return 0, err
	}
	if run.Status != models.FailedRunStatus {
		return 0, &TransitionError{Op: "retry", Status: run.Status}
	}

	from := 0
	if run.FailedStep != nil {
		from = *run.FailedStep
	}
	expected := storage.VersionOf(run)
	run.Status = models.RunningRunStatus
	run.CurrentStep = from
	run.FailedStep = nil
	run.ErrorMessage = ""
	run.CompletedAt = nil
	run.Generation = expected.Generation + 1

	err = withTx(e.store, e.logger, func(tx storage.Store) error {
		if err := tx.UpdateRun(run, expected); err != nil {
			return err
		}
		return tx.DeleteFailedStepExecutions(run.ID, from)
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		// someone else retried or the run changed under us
		return 0, &TransitionError{Op: "retry", Status: models.RunningRunStatus}
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to retry workflow %s", runID)
	}

	e.logger.Infof("Retrying workflow %s from step %d (generation %d)", runID, from, run.Generation)
	if err := e.dispatch(run.ID); err != nil {
		return 0, errors.Wrapf(err, "failed to queue workflow %s", runID)
	}
	return from, nil
}

// RecoverInterrupted fails runs left pending or running by a previous
// process so their owners can retry them. Only call it when no other process
// shares the store.
func (e *Engine) RecoverInterrupted() (int, error) {
	recovered := 0
	for _, status := range []models.RunStatus{models.PendingRunStatus, models.RunningRunStatus} {
		runs, err := e.store.ListRunsByStatus(status)
		if err != nil {
			return recovered, errors.Wrapf(err, "list %s workflows", status)
		}
		for _, run := range runs {
			var failedStep *int
			if status == models.RunningRunStatus {
				i := run.CurrentStep
				failedStep = &i
			}
			if err := e.failRun(run, failedStep, InterruptedByRestart); err != nil {
				e.logger.Errorf("Failed to recover workflow %s: %v", run.ID, err)
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		e.logger.Warnf("Marked %d interrupted workflows as failed", recovered)
	}
	return recovered, nil
}

func (e *Engine) failRun(run models.WorkflowRun, failedStep *int, reason string) error {
	expected := storage.VersionOf(run)
	run.Status = models.FailedRunStatus
	run.FailedStep = failedStep
	run.ErrorMessage = reason
	return withTx(e.store, e.logger, func(tx storage.Store) error {
		if err := tx.UpdateRun(run, expected); err != nil {
			return err
		}
		return tx.FailActiveStepExecutions(run.ID, reason, e.cfg.now())
	})
}

// driveTask is the worker pool job that advances one run.
type driveTask struct {
	engine     *Engine
	runID      string
	generation int // generation observed when the task started, -1 before that
}

func (t *driveTask) ID() string { return t.runID }

func (t *driveTask) Run(ctx context.Context) error {
	return t.engine.drive(ctx, t)
}

// Done persists failures that escaped the step loop (store errors, panics,
// shutdown) so a run never stays running without a task behind it.
func (t *driveTask) Done(err error) {
	e := t.engine
	if err == nil {
		return
	}
	if errors.Is(err, storage.ErrLocked) {
		e.logger.Infof("Workflow %s is already being advanced by another task", t.runID)
		return
	}
	e.logger.Errorf("Workflow %s stopped unexpectedly: %v", t.runID, err)
	if t.generation < 0 {
		return
	}
	run, getErr := e.store.GetRun(t.runID)
	if getErr != nil {
		e.logger.Errorf("Failed to load workflow %s to record failure: %v", t.runID, getErr)
		return
	}
	if run.Generation != t.generation || (run.Status != models.PendingRunStatus && run.Status != models.RunningRunStatus) {
		return
	}
	if failErr := e.failRun(run, nil, err.Error()); failErr != nil && !errors.Is(failErr, storage.ErrStatusConflict) {
		e.logger.Errorf("Failed to record failure of workflow %s: %v", t.runID, failErr)
	}
}

// dispatch queues a pending or freshly retried run. A run the pool refuses is
// failed at once so it does not sit pending with nothing behind it.
func (e *Engine) dispatch(runID string) error {
	err := e.wp.Submit(&driveTask{engine: e, runID: runID, generation: -1})
	if err == nil {
		return nil
	}
	e.logger.Warnf("Could not queue workflow %s: %v", runID, err)
	run, getErr := e.store.GetRun(runID)
	if getErr != nil {
		e.logger.Errorf("Failed to load workflow %s to record failure: %v", runID, getErr)
		return err
	}
	var failedStep *int
	switch run.Status {
	case models.PendingRunStatus:
	case models.RunningRunStatus:
		i := run.CurrentStep
		failedStep = &i
	default:
		return err
	}
	if failErr := e.failRun(run, failedStep, NotQueued); failErr != nil && !errors.Is(failErr, storage.ErrStatusConflict) {
		e.logger.Errorf("Failed to record failure of workflow %s: %v", runID, failErr)
	}
	return err
}

// Drive advances a run on the caller's goroutine until it completes, fails
// or is cancelled. Failures that escape the step loop are persisted on the run.
func (e *Engine) Drive(ctx context.Context, runID string) error {
	task := &driveTask{engine: e, runID: runID, generation: -1}
	err := task.Run(ctx)
	task.Done(err)
	return err
}

func (e *Engine) drive(ctx context.Context, t *driveTask) error {
	run, err := e.store.GetRun(t.runID)
	if err != nil {
		return errors.Wrapf(err, "load workflow %s", t.runID)
	}
	if run.Status != models.PendingRunStatus && run.Status != models.RunningRunStatus {
		e.logger.Infof("Workflow %s is %s; nothing to do", run.ID, run.Status)
		return nil
	}

	release, err := e.cfg.locker.TryLock(ctx, fmt.Sprintf("%s/%d", run.ID, run.Generation))
	if err != nil {
		return err
	}
	defer release()
	t.generation = run.Generation

	if run.Status == models.PendingRunStatus {
		expected := storage.VersionOf(run)
		run.Status = models.RunningRunStatus
		err := e.store.UpdateRun(run, expected)
		if errors.Is(err, storage.ErrStatusConflict) {
			e.logger.Infof("Workflow %s changed before it started; leaving it alone", run.ID)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "start workflow %s", run.ID)
		}
		e.logger.Infof("Started workflow %s", run.ID)
	}

	for run.CurrentStep < run.TotalSteps() {
		next, err := e.runStep(ctx, run)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		run = *next
	}
	return e.complete(run)
}

// runStep executes the run's current step. It returns the advanced run, or
// nil when the loop must stop (the step failed or the run moved on).
func (e *Engine) runStep(ctx context.Context, run models.WorkflowRun) (*models.WorkflowRun, error) {
	step := run.Steps[run.CurrentStep]

	rc, err := e.runContext(run)
	if err != nil {
		return nil, err
	}

	exec, err := e.steps.Start(run)
	if errors.Is(err, storage.ErrStatusConflict) {
		e.logger.Infof("Workflow %s no longer running; stopping before step %d", run.ID, step.Index)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "start step %d of workflow %s", step.Index, run.ID)
	}

	e.logger.Infof("Workflow %s: running step %d (%s)", run.ID, step.Index, step.Type)
	started := time.Now()
	output, attempts, stepErr := e.execute(ctx, step, rc)
	duration := time.Since(started)

	if stepErr != nil {
		e.logger.Warnf("Workflow %s: step %d failed after %d attempt(s): %v", run.ID, step.Index, attempts, stepErr)
		err := e.steps.Fail(run, exec, stepErr, duration, attempts)
		if errors.Is(err, storage.ErrStatusConflict) {
			e.abandon(run.ID, exec, duration, attempts)
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "record failure of step %d", step.Index)
		}
		return nil, nil
	}

	next, err := e.steps.Complete(run, exec, output, duration, attempts)
	if errors.Is(err, storage.ErrStatusConflict) {
		e.logger.Infof("Workflow %s changed while step %d was running; discarding its result", run.ID, step.Index)
		e.abandon(run.ID, exec, duration, attempts)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "record completion of step %d", step.Index)
	}
	e.logger.Infof("Workflow %s: step %d completed in %s", run.ID, step.Index, duration)
	return &next, nil
}

func (e *Engine) abandon(runID string, exec models.StepExecution, duration time.Duration, attempts int) {
	reason := "Workflow changed while the step was running"
	if current, err := e.store.GetRun(runID); err == nil && current.ErrorMessage != "" {
		reason = current.ErrorMessage
	}
	e.steps.Abandon(exec, reason, duration, attempts)
}

func (e *Engine) runContext(run models.WorkflowRun) (RunContext, error) {
	latest, err := e.steps.LatestExecutions(run.ID)
	if err != nil {
		return RunContext{}, err
	}
	previous := make(map[int]models.StepOutput)
	for i := 0; i < run.CurrentStep; i++ {
		exec, ok := latest[i]
		if ok && exec.Status == models.CompletedStepStatus && exec.Output != nil {
			previous[i] = *exec.Output
		}
	}
	return RunContext{
		WorkflowID:   run.ID,
		Goal:         run.Goal,
		Sources:      append([]string(nil), run.Sources...),
		Depth:        run.Depth,
		OutputFormat: run.OutputFormat,
		Previous:     previous,
	}, nil
}

type stepResult struct {
	output models.StepOutput
	err    error
}

// execute runs one step with a per-attempt timeout, repeating retryable
// failures up to the configured number of extra attempts.
func (e *Engine) execute(ctx context.Context, step models.StepDefinition, rc RunContext) (models.StepOutput, int, error) {
	executor, err := e.executors.Lookup(step.Type)
	if err != nil {
		return models.StepOutput{}, 1, err
	}

	var lastErr error
	attempt := 0
	for attempt < e.cfg.stepRetries+1 {
		attempt++
		timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.stepTimeout)
		resultCh := make(chan stepResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					resultCh <- stepResult{err: Permanent(fmt.Errorf("step executor panicked: %v", r))}
				}
			}()
			out, err := executor.Execute(timeoutCtx, step, rc)
			resultCh <- stepResult{output: out, err: err}
		}()

		var res stepResult
		select {
		case res = <-resultCh:
		case <-timeoutCtx.Done():
			res = stepResult{err: timeoutCtx.Err()}
		}
		cancel()

		if res.err == nil {
			if res.output.Kind() == "" {
				return models.StepOutput{}, attempt, asExecutionError(step.Type, errors.New("step produced no output"))
			}
			return res.output, attempt, nil
		}

		lastErr = asExecutionError(step.Type, res.err)
		if !IsRetryable(lastErr) || ctx.Err() != nil || attempt > e.cfg.stepRetries {
			break
		}
		e.logger.Infof("Retrying step %d (%s) after transient error (attempt %d/%d): %v",
			step.Index, step.Type, attempt, e.cfg.stepRetries+1, res.err)
		select {
		case <-time.After(e.cfg.retryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return models.StepOutput{}, attempt, asExecutionError(step.Type, ctx.Err())
		}
	}
	return models.StepOutput{}, attempt, lastErr
}

func (e *Engine) complete(run models.WorkflowRun) error {
	latest, err := e.steps.LatestExecutions(run.ID)
	if err != nil {
		return err
	}
	outputs := make([]models.StepOutput, 0, run.TotalSteps())
	for i := 0; i < run.TotalSteps(); i++ {
		if exec, ok := latest[i]; ok && exec.Output != nil {
			outputs = append(outputs, *exec.Output)
		}
	}

	now := e.cfg.now()
	report := BuildReport(run, outputs, now)
	next := run
	next.Status = models.CompletedRunStatus
	next.ReportID = &report.ID
	next.CompletedAt = &now

	err = withTx(e.store, e.logger, func(tx storage.Store) error {
		if err := tx.SaveReport(report); err != nil {
			return err
		}
		return tx.UpdateRun(next, storage.VersionOf(run))
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		e.logger.Infof("Workflow %s changed before completion; report discarded", run.ID)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "complete workflow %s", run.ID)
	}
	e.logger.Infof("Completed workflow %s with report %s", run.ID, report.ID)
	return nil
}
