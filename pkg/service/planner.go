package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/pkg/errors"
)

const maxTitleLength = 80

type PlanRequest struct {
	Goal         string
	Sources      []string
	Depth        models.Depth
	OutputFormat models.OutputFormat
}

type Plan struct {
	Title       string
	Description string
	Steps       []models.StepDefinition
}

// Planner turns a goal into an ordered list of steps. It has no side effects
// and never executes a step.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (Plan, error)
}

// ValidatePlan checks that a plan has at least one step and that step
// indices run 0..n-1 without gaps or duplicates.
func ValidatePlan(plan Plan) error {
	if len(plan.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	for i, step := range plan.Steps {
		if step.Index != i {
			return errors.Errorf("step at position %d has index %d", i, step.Index)
		}
		if step.Type == "" {
			return errors.Errorf("step %d has no type", i)
		}
	}
	return nil
}

var sourceStepTypes = map[string]models.StepType{
	"web":    models.SearchStepType,
	"google": models.SearchStepType,
	"bing":   models.SearchStepType,
	"brave":  models.SearchStepType,
	"news":   models.SearchStepType,
	"images": models.ImageSearchStepType,
	"pexels": models.ImageSearchStepType,
	"photos": models.ImageSearchStepType,
	"github": models.RepoSearchStepType,
	"code":   models.RepoSearchStepType,
	"repos":  models.RepoSearchStepType,
}

// TemplatePlanner builds plans deterministically from the request's sources,
// depth and output format:
//
//   - each recognised source adds one search step of the matching type
//     (quick depth keeps only the first one); no recognised source means a
//     plain web search
//   - deep depth fetches the top web result after the web search
//   - summary and report formats end with a summarize step; a report whose
//     sources include images also gets a generated cover image
type TemplatePlanner struct{}

func NewTemplatePlanner() *TemplatePlanner {
	return &TemplatePlanner{}
}

func (p *TemplatePlanner) Plan(_ context.Context, req PlanRequest) (Plan, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return Plan{}, errors.New("empty goal")
	}

	var types []models.StepType
	seen := make(map[models.StepType]bool)
	for _, source := range req.Sources {
		t, ok := sourceStepTypes[strings.ToLower(strings.TrimSpace(source))]
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	if len(types) == 0 {
		types = []models.StepType{models.SearchStepType}
		seen[models.SearchStepType] = true
	}
	if req.Depth == models.QuickDepth {
		types = types[:1]
	}

	var steps []models.StepDefinition
	add := func(t models.StepType, title, description string, input models.StepInput) {
		steps = append(steps, models.StepDefinition{
			Index:       len(steps),
			Type:        t,
			Title:       title,
			Description: description,
			Input:       input,
		})
	}

	for _, t := range types {
		switch t {
		case models.SearchStepType:
			add(t, "Search the web", fmt.Sprintf("Find web pages about %q", goal), models.StepInput{Query: goal, Limit: limitFor(req.Depth)})
			if req.Depth == models.DeepDepth {
				add(models.FetchStepType, "Read the top result", "Fetch and extract the text of the best search result", models.StepInput{})
			}
		case models.ImageSearchStepType:
			add(t, "Search for images", fmt.Sprintf("Find photos related to %q", goal), models.StepInput{Query: goal, Limit: limitFor(req.Depth)})
		case models.RepoSearchStepType:
			add(t, "Search code repositories", fmt.Sprintf("Find repositories related to %q", goal), models.StepInput{Query: goal, Limit: limitFor(req.Depth)})
		}
	}

	switch req.OutputFormat {
	case models.SummaryOutputFormat, models.ReportOutputFormat:
		add(models.SummarizeStepType, "Summarize findings", "Condense the collected results into an answer", models.StepInput{Prompt: goal})
		if req.OutputFormat == models.ReportOutputFormat && seen[models.ImageSearchStepType] && req.Depth != models.QuickDepth {
			add(models.GenerateImageStepType, "Generate a cover image", "Create an illustration for the report", models.StepInput{Prompt: goal})
		}
	}

	return Plan{
		Title:       planTitle(goal),
		Description: fmt.Sprintf("%s research on %q in %d steps", capitalize(string(req.Depth)), goal, len(steps)),
		Steps:       steps,
	}, nil
}

func limitFor(depth models.Depth) int {
	switch depth {
	case models.QuickDepth:
		return 3
	case models.DeepDepth:
		return 10
	default:
		return 5
	}
}

func capitalize(s string) string {
	if s == "" {
		return "Standard"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func planTitle(goal string) string {
	title := strings.Join(strings.Fields(goal), " ")
	runes := []rune(title)
	if len(runes) <= maxTitleLength {
		return title
	}
	return strings.TrimSpace(string(runes[:maxTitleLength-3])) + "..."
}
