package service

import (
	"math"
	"time"

	"github.com/ignatij/scoutflow/pkg/models"
)

type StepStatusView struct {
	Index      int               `json:"index"`
	Type       models.StepType   `json:"type"`
	Title      string            `json:"title"`
	Status     models.StepStatus `json:"status"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"durationMs"`
	HasOutput  bool              `json:"hasOutput"`
	Attempts   int               `json:"attempts"`
}

// RunStatusView is the read-only projection of a run and its steps.
type RunStatusView struct {
	WorkflowID   string           `json:"workflowId"`
	Title        string           `json:"title"`
	Goal         string           `json:"goal"`
	Status       models.RunStatus `json:"status"`
	CurrentStep  int              `json:"currentStep"`
	TotalSteps   int              `json:"totalSteps"`
	Progress     int              `json:"progress"`
	FailedStep   *int             `json:"failedStep,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	ReportID     *string          `json:"reportId,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	Steps        []StepStatusView `json:"steps"`
}

// Status projects a run owned by userID.
func (e *Engine) Status(userID, runID string) (RunStatusView, error) {
	run, err := e.Get(userID, runID)
	if err != nil {
		return RunStatusView{}, err
	}
	latest, err := e.steps.LatestExecutions(run.ID)
	if err != nil {
		return RunStatusView{}, err
	}
	return BuildStatusView(run, latest), nil
}

// BuildStatusView combines a run with its latest execution per step index.
func BuildStatusView(run models.WorkflowRun, latest map[int]models.StepExecution) RunStatusView {
	view := RunStatusView{
		WorkflowID:   run.ID,
		Title:        run.Title,
		Goal:         run.Goal,
		Status:       run.Status,
		CurrentStep:  run.CurrentStep,
		TotalSteps:   run.TotalSteps(),
		FailedStep:   run.FailedStep,
		ErrorMessage: run.ErrorMessage,
		ReportID:     run.ReportID,
		CreatedAt:    run.CreatedAt,
		CompletedAt:  run.CompletedAt,
		Steps:        make([]StepStatusView, 0, run.TotalSteps()),
	}

	completed := 0
	for _, step := range run.Steps {
		sv := StepStatusView{
			Index:  step.Index,
			Type:   step.Type,
			Title:  step.Title,
			Status: models.PendingStepStatus,
		}
		if exec, ok := latest[step.Index]; ok {
			sv.Status = exec.Status
			sv.Error = exec.Error
			sv.DurationMs = exec.DurationMs
			sv.HasOutput = exec.Output != nil
			sv.Attempts = exec.Attempts
		}
		if sv.Status == models.CompletedStepStatus {
			completed++
		}
		view.Steps = append(view.Steps, sv)
	}
	if view.TotalSteps > 0 {
		view.Progress = int(math.Round(100 * float64(completed) / float64(view.TotalSteps)))
	}
	return view
}
