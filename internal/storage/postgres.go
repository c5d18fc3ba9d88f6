package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

const runColumns = `id, user_id, goal, title, description, steps, status, current_step, failed_step,
	error_message, sources, depth, output_format, report_id, generation, created_at, updated_at, completed_at`

const stepExecutionColumns = `id, workflow_id, step_index, status, output, error, duration_ms, attempts,
	created_at, completed_at`

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRun inserts a new run with its plan
func (s *PostgresStore) SaveRun(r models.WorkflowRun) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		r.ID, r.UserID, r.Goal, r.Title, r.Description, r.Steps, r.Status, r.CurrentStep, r.FailedStep,
		r.ErrorMessage, r.Sources, r.Depth, r.OutputFormat, r.ReportID, r.Generation, r.CreatedAt, r.UpdatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(id string) (models.WorkflowRun, error) {
	// ids are UUID columns; anything else cannot match a row
	if _, err := uuid.Parse(id); err != nil {
		return models.WorkflowRun{}, storage.ErrNotFound
	}
	var run models.WorkflowRun
	err := s.db.Get(&run, "SELECT "+runColumns+" FROM workflow_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowRun{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(userID string) ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	err := s.db.Select(&runs, "SELECT "+runColumns+" FROM workflow_runs WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *PostgresStore) ListRunsByStatus(status models.RunStatus) ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	err := s.db.Select(&runs, "SELECT "+runColumns+" FROM workflow_runs WHERE status = $1 ORDER BY created_at", status)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRun is a compare-and-swap on (status, generation, current_step): the
// row is only touched while it still carries the expected values.
func (s *PostgresStore) UpdateRun(r models.WorkflowRun, expected storage.RunVersion) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET status = $1,
		current_step = $2,
		failed_step = $3,
		error_message = $4,
		report_id = $5,
		completed_at = $6,
		generation = $7,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $8 AND status = $9 AND generation = $10 AND current_step = $11`,
		r.Status, r.CurrentStep, r.FailedStep, r.ErrorMessage, r.ReportID, r.CompletedAt, r.Generation,
		r.ID, expected.Status, expected.Generation, expected.CurrentStep)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	return s.checkAffected(res, "SELECT 1 FROM workflow_runs WHERE id = $1", r.ID)
}

func (s *PostgresStore) SaveStepExecution(e models.StepExecution) error {
	_, err := s.db.Exec(`
		INSERT INTO step_executions (`+stepExecutionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.WorkflowID, e.StepIndex, e.Status, e.Output, e.Error, e.DurationMs, e.Attempts, e.CreatedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("save step execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStepExecution(e models.StepExecution, expected models.StepStatus) error {
	res, err := s.db.Exec(`
		UPDATE step_executions
		SET status = $1,
		output = $2,
		error = $3,
		duration_ms = $4,
		attempts = $5,
		completed_at = $6
		WHERE id = $7 AND status = $8 AND status <> 'completed'`,
		e.Status, e.Output, e.Error, e.DurationMs, e.Attempts, e.CompletedAt, e.ID, expected)
	if err != nil {
		return fmt.Errorf("update step execution %s: %w", e.ID, err)
	}
	return s.checkAffected(res, "SELECT 1 FROM step_executions WHERE id = $1", e.ID)
}

func (s *PostgresStore) ListStepExecutions(workflowID string) ([]models.StepExecution, error) {
	execs := []models.StepExecution{}
	err := s.db.Select(&execs, "SELECT "+stepExecutionColumns+" FROM step_executions WHERE workflow_id = $1 ORDER BY seq", workflowID)
	if err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *PostgresStore) DeleteFailedStepExecutions(workflowID string, fromIndex int) error {
	_, err := s.db.Exec("DELETE FROM step_executions WHERE workflow_id = $1 AND status = 'failed' AND step_index >= $2",
		workflowID, fromIndex)
	return err
}

func (s *PostgresStore) FailActiveStepExecutions(workflowID string, reason string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE step_executions
		SET status = 'failed', error = $1, completed_at = $2
		WHERE workflow_id = $3 AND status IN ('pending', 'running')`,
		reason, at, workflowID)
	return err
}

func (s *PostgresStore) SaveReport(r models.Report) error {
	_, err := s.db.Exec(`
		INSERT INTO reports (id, workflow_id, user_id, title, format, content, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.WorkflowID, r.UserID, r.Title, r.Format, r.Content, r.Sources, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReport(id string) (models.Report, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Report{}, storage.ErrNotFound
	}
	var report models.Report
	err := s.db.Get(&report, "SELECT id, workflow_id, user_id, title, format, content, sources, created_at FROM reports WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Report{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Report{}, err
	}
	return report, nil
}

// checkAffected turns a zero-row conditional update into ErrNotFound or
// ErrStatusConflict depending on whether the row exists.
func (s *PostgresStore) checkAffected(res sql.Result, existsQuery string, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.Get(&one, existsQuery, id)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return storage.ErrStatusConflict
}
