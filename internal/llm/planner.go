package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
)

const maxPlannedSteps = 8

// JSONCompleter is a chat model that answers with a JSON object.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

const plannerSystemPrompt = `You plan research workflows. Reply with a JSON object:
{"title": string, "description": string, "steps": [{"type": string, "title": string, "description": string, "query": string, "url": string, "prompt": string, "limit": number}]}
Allowed step types: %s.
Use at most %d steps. Search steps come first, "fetch" reads one page found by an earlier search, "summarize" condenses earlier results, "generate_image" illustrates the report.`

// Planner asks a chat model for a plan. Every step it returns is checked
// against the known step types.
type Planner struct {
	llm JSONCompleter
}

func NewPlanner(llm JSONCompleter) *Planner {
	return &Planner{llm: llm}
}

type plannedStep struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Query       string `json:"query"`
	URL         string `json:"url"`
	Prompt      string `json:"prompt"`
	Limit       int    `json:"limit"`
}

type plannedWorkflow struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Steps       []plannedStep `json:"steps"`
}

func (p *Planner) Plan(ctx context.Context, req service.PlanRequest) (service.Plan, error) {
	types := make([]string, len(models.StepTypes))
	for i, t := range models.StepTypes {
		types[i] = string(t)
	}
	system := fmt.Sprintf(plannerSystemPrompt, strings.Join(types, ", "), maxPlannedSteps)
	user := fmt.Sprintf("Goal: %s\nSources: %s\nDepth: %s\nOutput format: %s",
		req.Goal, strings.Join(req.Sources, ", "), req.Depth, req.OutputFormat)

	raw, err := p.llm.CompleteJSON(ctx, system, user)
	if err != nil {
		return service.Plan{}, errors.Wrap(err, "request plan")
	}
	return ParsePlan(raw, req.Goal)
}

// ParsePlan turns the model's answer into a plan, renumbering steps in the
// order given.
func ParsePlan(raw, goal string) (service.Plan, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var planned plannedWorkflow
	if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		return service.Plan{}, errors.Wrap(err, "model returned an unparseable plan")
	}
	if len(planned.Steps) == 0 {
		return service.Plan{}, errors.New("model returned a plan without steps")
	}
	if len(planned.Steps) > maxPlannedSteps {
		return service.Plan{}, errors.Errorf("model returned %d steps (max %d)", len(planned.Steps), maxPlannedSteps)
	}

	plan := service.Plan{
		Title:       strings.TrimSpace(planned.Title),
		Description: strings.TrimSpace(planned.Description),
	}
	if plan.Title == "" {
		plan.Title = goal
	}
	for i, s := range planned.Steps {
		stepType := models.StepType(strings.TrimSpace(s.Type))
		if !stepType.Valid() {
			return service.Plan{}, errors.Errorf("model returned unknown step type %q", s.Type)
		}
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = string(stepType)
		}
		plan.Steps = append(plan.Steps, models.StepDefinition{
			Index:       i,
			Type:        stepType,
			Title:       title,
			Description: strings.TrimSpace(s.Description),
			Input: models.StepInput{
				Query:  strings.TrimSpace(s.Query),
				URL:    strings.TrimSpace(s.URL),
				Prompt: strings.TrimSpace(s.Prompt),
				Limit:  s.Limit,
			},
		})
	}
	return plan, nil
}
