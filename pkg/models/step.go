package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StepType selects the capability that executes a step.
type StepType string

const (
	SearchStepType        StepType = "search"
	ImageSearchStepType   StepType = "image_search"
	RepoSearchStepType    StepType = "repo_search"
	FetchStepType         StepType = "fetch"
	SummarizeStepType     StepType = "summarize"
	GenerateImageStepType StepType = "generate_image"
)

var StepTypes = []StepType{
	SearchStepType,
	ImageSearchStepType,
	RepoSearchStepType,
	FetchStepType,
	SummarizeStepType,
	GenerateImageStepType,
}

func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// StepInput carries the parameters a step type needs. Unused fields stay empty.
type StepInput struct {
	Query  string `json:"query,omitempty"`  // search, image_search, repo_search
	URL    string `json:"url,omitempty"`    // fetch
	Prompt string `json:"prompt,omitempty"` // summarize, generate_image
	Limit  int    `json:"limit,omitempty"`
}

// StepDefinition is one planned unit of work. Immutable once the run is created.
type StepDefinition struct {
	Index       int       `json:"index"`
	Type        StepType  `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Input       StepInput `json:"input"`
}

// StepDefinitions is persisted as a single JSONB column.
type StepDefinitions []StepDefinition

func (s StepDefinitions) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StepDefinitions) Scan(src interface{}) error {
	return scanJSON(src, s)
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dest)
	}
}
