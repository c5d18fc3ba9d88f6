package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
)

// Completer is a chat model that answers a single prompt.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const summarizeSystemPrompt = `You are a research assistant. Answer the user's goal using only the material provided.
Be concise and concrete. Mention sources by title when you rely on them. If the material does not answer the goal, say so.`

const maxDigestRunes = 12000

// Summarize condenses the outputs of earlier steps. Without a model, or when
// the earlier steps found nothing, it produces a deterministic extractive
// summary.
type Summarize struct {
	LLM Completer
}

func NewSummarize(llm Completer) *Summarize {
	return &Summarize{LLM: llm}
}

func (s *Summarize) Execute(ctx context.Context, step models.StepDefinition, rc service.RunContext) (models.StepOutput, error) {
	outputs := rc.PreviousInOrder()
	if len(outputs) == 0 {
		return models.StepOutput{}, service.Permanent(errors.New("nothing to summarize: no earlier step has completed"))
	}
	digest, sources := digestOutputs(outputs)

	goal := strings.TrimSpace(step.Input.Prompt)
	if goal == "" {
		goal = rc.Goal
	}

	if s.LLM == nil || digest == "" {
		return models.StepOutput{Summary: &models.SummaryOutput{
			Text:    extractiveSummary(goal, outputs),
			Sources: sources,
		}}, nil
	}

	prompt := fmt.Sprintf("Goal: %s\n\nMaterial:\n%s", goal, truncateRunes(digest, maxDigestRunes))
	text, err := s.LLM.Complete(ctx, summarizeSystemPrompt, prompt)
	if err != nil {
		return models.StepOutput{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.StepOutput{}, service.Transient(errors.New("model returned an empty summary"))
	}
	return models.StepOutput{Summary: &models.SummaryOutput{Text: text, Sources: sources}}, nil
}

// digestOutputs flattens earlier outputs into prompt material and collects
// their source URLs.
func digestOutputs(outputs []models.StepOutput) (string, []string) {
	var b strings.Builder
	var sources []string
	seen := make(map[string]bool)
	add := func(url string) {
		if url != "" && !seen[url] {
			seen[url] = true
			sources = append(sources, url)
		}
	}

	for _, out := range outputs {
		switch {
		case out.Search != nil:
			for _, r := range out.Search.Results {
				fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
				add(r.URL)
			}
		case out.Images != nil:
			for _, p := range out.Images.Photos {
				fmt.Fprintf(&b, "- Photo %q by %s (%s)\n", p.Alt, p.Photographer, p.URL)
				add(p.URL)
			}
		case out.Repos != nil:
			for _, r := range out.Repos.Repositories {
				fmt.Fprintf(&b, "- Repository %s (%d stars, %s): %s\n", r.FullName, r.Stars, r.Language, r.Description)
				add(r.URL)
			}
		case out.Page != nil:
			fmt.Fprintf(&b, "Page %q (%s):\n%s\n", out.Page.Title, out.Page.URL, truncateRunes(out.Page.Text, 4000))
			add(out.Page.URL)
		case out.Summary != nil:
			fmt.Fprintf(&b, "Earlier summary: %s\n", out.Summary.Text)
		}
	}
	return strings.TrimSpace(b.String()), sources
}

func extractiveSummary(goal string, outputs []models.StepOutput) string {
	var lines []string
	for _, out := range outputs {
		switch {
		case out.Search != nil:
			for _, r := range out.Search.Results {
				if r.Snippet != "" {
					lines = append(lines, fmt.Sprintf("%s: %s", r.Title, firstSentence(r.Snippet)))
				} else {
					lines = append(lines, r.Title)
				}
			}
		case out.Images != nil && len(out.Images.Photos) > 0:
			lines = append(lines, fmt.Sprintf("%d photos found for %q.", len(out.Images.Photos), out.Images.Query))
		case out.Repos != nil:
			for _, r := range out.Repos.Repositories {
				lines = append(lines, fmt.Sprintf("%s (%d stars)", r.FullName, r.Stars))
			}
		case out.Page != nil:
			lines = append(lines, fmt.Sprintf("%s: %s", altText(out.Page.Title, out.Page.URL), firstSentence(out.Page.Text)))
		}
	}
	if len(lines) == 0 {
		return fmt.Sprintf("No results were found for %q.", goal)
	}
	return fmt.Sprintf("Findings for %q:\n- %s", goal, strings.Join(lines, "\n- "))
}

func firstSentence(s string) string {
	s = collapseSpace(s)
	if i := strings.IndexAny(s, ".!?"); i > 0 && i < 300 {
		return s[:i+1]
	}
	return truncateRunes(s, 300)
}

func altText(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
