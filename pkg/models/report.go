package models

import (
	"time"

	"github.com/lib/pq"
)

// Report is the artifact produced by a successfully completed run.
type Report struct {
	ID         string         `json:"id" db:"id"`
	WorkflowID string         `json:"workflow_id" db:"workflow_id"`
	UserID     string         `json:"user_id" db:"user_id"`
	Title      string         `json:"title" db:"title"`
	Format     OutputFormat   `json:"format" db:"format"`
	Content    string         `json:"content" db:"content"` // Markdown
	Sources    pq.StringArray `json:"sources" db:"sources"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
