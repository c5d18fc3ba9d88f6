package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/scoutflow/pkg/models"
)

// BuildReport assembles the markdown artifact of a completed run from its
// step outputs in step order. The list format carries only bullet points.
func BuildReport(run models.WorkflowRun, outputs []models.StepOutput, now time.Time) models.Report {
	var b strings.Builder
	var sources []string
	seen := make(map[string]bool)
	addSource := func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		sources = append(sources, url)
	}

	list := run.OutputFormat == models.ListOutputFormat
	if !list {
		fmt.Fprintf(&b, "# %s\n\n", run.Title)
		if run.Description != "" {
			fmt.Fprintf(&b, "_%s_\n\n", run.Description)
		}
	}

	for _, out := range outputs {
		switch {
		case out.Summary != nil:
			for _, s := range out.Summary.Sources {
				addSource(s)
			}
			if list {
				continue
			}
			fmt.Fprintf(&b, "## Summary\n\n%s\n\n", strings.TrimSpace(out.Summary.Text))
		case out.Search != nil:
			if !list {
				fmt.Fprintf(&b, "## Results for %q\n\n", out.Search.Query)
			}
			for _, r := range out.Search.Results {
				addSource(r.URL)
				if r.Snippet != "" && !list {
					fmt.Fprintf(&b, "- [%s](%s): %s\n", r.Title, r.URL, r.Snippet)
				} else {
					fmt.Fprintf(&b, "- [%s](%s)\n", r.Title, r.URL)
				}
			}
			b.WriteString("\n")
		case out.Images != nil:
			if !list {
				fmt.Fprintf(&b, "## Images for %q\n\n", out.Images.Query)
			}
			for _, p := range out.Images.Photos {
				addSource(p.URL)
				if list {
					fmt.Fprintf(&b, "- [%s](%s) by %s\n", altOr(p.Alt, "Photo"), p.URL, p.Photographer)
				} else {
					fmt.Fprintf(&b, "- ![%s](%s) by %s\n", altOr(p.Alt, "Photo"), p.Src, p.Photographer)
				}
			}
			b.WriteString("\n")
		case out.Repos != nil:
			if !list {
				fmt.Fprintf(&b, "## Repositories for %q\n\n", out.Repos.Query)
			}
			for _, r := range out.Repos.Repositories {
				addSource(r.URL)
				line := fmt.Sprintf("- [%s](%s) ★%d", r.FullName, r.URL, r.Stars)
				if r.Language != "" {
					line += " · " + r.Language
				}
				if r.Description != "" && !list {
					line += ": " + r.Description
				}
				b.WriteString(line + "\n")
			}
			b.WriteString("\n")
		case out.Page != nil:
			addSource(out.Page.URL)
			if list {
				fmt.Fprintf(&b, "- [%s](%s)\n", altOr(out.Page.Title, out.Page.URL), out.Page.URL)
				continue
			}
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", altOr(out.Page.Title, out.Page.URL), excerpt(out.Page.Text, 1200))
		case out.Image != nil:
			if list {
				continue
			}
			fmt.Fprintf(&b, "## Cover image\n\n![%s](%s)\n\n", out.Image.Prompt, out.Image.URL)
		}
	}

	if !list && len(sources) > 0 {
		b.WriteString("## Sources\n\n")
		for i, s := range sources {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}

	return models.Report{
		ID:         uuid.NewString(),
		WorkflowID: run.ID,
		UserID:     run.UserID,
		Title:      run.Title,
		Format:     run.OutputFormat,
		Content:    strings.TrimSpace(b.String()) + "\n",
		Sources:    sources,
		CreatedAt:  now,
	}
}

func altOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// excerpt cuts text to at most n runes on a word boundary.
func excerpt(text string, n int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	cut := string(runes[:n])
	if i := strings.LastIndexAny(cut, " \n"); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
