package models

import (
	"database/sql/driver"
	"encoding/json"
)

// StepOutput is a tagged union: exactly one member is set, matching the type
// of the step that produced it.
type StepOutput struct {
	Search  *SearchOutput         `json:"search,omitempty"`
	Images  *ImageSearchOutput    `json:"images,omitempty"`
	Repos   *RepoSearchOutput     `json:"repos,omitempty"`
	Page    *PageOutput           `json:"page,omitempty"`
	Summary *SummaryOutput        `json:"summary,omitempty"`
	Image   *GeneratedImageOutput `json:"image,omitempty"`
}

// Kind reports the step type whose output is populated, or "" if none is.
func (o StepOutput) Kind() StepType {
	switch {
	case o.Search != nil:
		return SearchStepType
	case o.Images != nil:
		return ImageSearchStepType
	case o.Repos != nil:
		return RepoSearchStepType
	case o.Page != nil:
		return FetchStepType
	case o.Summary != nil:
		return SummarizeStepType
	case o.Image != nil:
		return GenerateImageStepType
	}
	return ""
}

func (o StepOutput) Value() (driver.Value, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (o *StepOutput) Scan(src interface{}) error {
	return scanJSON(src, o)
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

type Photo struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	Photographer string `json:"photographer"`
	Alt          string `json:"alt"`
	Src          string `json:"src"`
}

type ImageSearchOutput struct {
	Query  string  `json:"query"`
	Photos []Photo `json:"photos"`
}

type Repository struct {
	FullName    string `json:"full_name"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Stars       int    `json:"stars"`
	Language    string `json:"language"`
}

type RepoSearchOutput struct {
	Query        string       `json:"query"`
	Repositories []Repository `json:"repositories"`
}

type PageOutput struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

type SummaryOutput struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
}

type GeneratedImageOutput struct {
	Prompt        string `json:"prompt"`
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}
