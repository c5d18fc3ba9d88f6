package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	internal_storage "github.com/ignatij/scoutflow/internal/storage"
	"github.com/ignatij/scoutflow/internal/testutil"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(userID string) models.WorkflowRun {
	now := time.Now().UTC()
	return models.WorkflowRun{
		ID:     uuid.NewString(),
		UserID: userID,
		Goal:   "find 3 parks in Lisbon",
		Title:  "Parks in Lisbon",
		Steps: models.StepDefinitions{
			{Index: 0, Type: models.SearchStepType, Title: "Search", Input: models.StepInput{Query: "parks Lisbon", Limit: 3}},
			{Index: 1, Type: models.SummarizeStepType, Title: "Summarize"},
		},
		Status:       models.PendingRunStatus,
		Sources:      []string{"web"},
		Depth:        models.StandardDepth,
		OutputFormat: models.SummaryOutputFormat,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newExecution(workflowID string, index int, status models.StepStatus) models.StepExecution {
	return models.StepExecution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		StepIndex:  index,
		Status:     status,
		Attempts:   1,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() {
			txStore.Rollback()
			store.Close()
		})
		return txStore.(*internal_storage.PostgresStore)
	}

	t.Run("SaveRun and GetRun", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("alice")
		require.NoError(t, store.SaveRun(run))

		got, err := store.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, run.Steps, got.Steps)
		assert.Equal(t, []string{"web"}, []string(got.Sources))
		assert.Equal(t, models.PendingRunStatus, got.Status)
		assert.Nil(t, got.FailedStep)
		assert.Nil(t, got.ReportID)
		assert.Equal(t, 0, got.Generation)
	})

	t.Run("GetRun not found", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetRun(uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetRun("not-a-uuid")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListRuns", func(t *testing.T) {
		store := newTxStore(t)
		older := newRun("alice")
		older.CreatedAt = older.CreatedAt.Add(-time.Hour)
		newer := newRun("alice")
		require.NoError(t, store.SaveRun(older))
		require.NoError(t, store.SaveRun(newer))
		require.NoError(t, store.SaveRun(newRun("bob")))

		runs, err := store.ListRuns("alice")
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, newer.ID, runs[0].ID)
		assert.Equal(t, older.ID, runs[1].ID)

		runs, err = store.ListRuns("carol")
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("ListRunsByStatus", func(t *testing.T) {
		store := newTxStore(t)
		pending := newRun("alice")
		running := newRun("alice")
		running.Status = models.RunningRunStatus
		require.NoError(t, store.SaveRun(pending))
		require.NoError(t, store.SaveRun(running))

		runs, err := store.ListRunsByStatus(models.RunningRunStatus)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, running.ID, runs[0].ID)
	})

	t.Run("UpdateRun compare and swap", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("alice")
		require.NoError(t, store.SaveRun(run))

		expected := storage.VersionOf(run)
		run.Status = models.RunningRunStatus
		run.CurrentStep = 1
		require.NoError(t, store.UpdateRun(run, expected))

		// stale expected status
		run.Status = models.FailedRunStatus
		assert.ErrorIs(t, store.UpdateRun(run, storage.RunVersion{Status: models.PendingRunStatus, CurrentStep: 1}), storage.ErrStatusConflict)
		// stale generation
		assert.ErrorIs(t, store.UpdateRun(run, storage.RunVersion{Status: models.RunningRunStatus, Generation: 3, CurrentStep: 1}), storage.ErrStatusConflict)
		// stale step: the run advanced since it was read
		assert.ErrorIs(t, store.UpdateRun(run, storage.RunVersion{Status: models.RunningRunStatus}), storage.ErrStatusConflict)

		failed := 1
		run.FailedStep = &failed
		run.ErrorMessage = "search: boom"
		require.NoError(t, store.UpdateRun(run, storage.RunVersion{Status: models.RunningRunStatus, CurrentStep: 1}))

		// retry bumps the generation
		run.Status = models.RunningRunStatus
		run.FailedStep = nil
		run.ErrorMessage = ""
		run.Generation = 1
		require.NoError(t, store.UpdateRun(run, storage.RunVersion{Status: models.FailedRunStatus, CurrentStep: 1}))

		got, err := store.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunningRunStatus, got.Status)
		assert.Equal(t, 1, got.Generation)
		assert.Equal(t, 1, got.CurrentStep)
		assert.Nil(t, got.FailedStep)

		missing := newRun("alice")
		assert.ErrorIs(t, store.UpdateRun(missing, storage.VersionOf(missing)), storage.ErrNotFound)
	})

	t.Run("UpdateRun keeps immutable fields", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("alice")
		require.NoError(t, store.SaveRun(run))

		changed := run
		changed.Goal = "something else"
		changed.UserID = "mallory"
		changed.Steps = nil
		require.NoError(t, store.UpdateRun(changed, storage.VersionOf(run)))

		got, err := store.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.Goal, got.Goal)
		assert.Equal(t, "alice", got.UserID)
		assert.Len(t, got.Steps, 2)
	})

	t.Run("Step executions", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("alice")
		require.NoError(t, store.SaveRun(run))

		first := newExecution(run.ID, 0, models.RunningStepStatus)
		require.NoError(t, store.SaveStepExecution(first))

		now := time.Now().UTC()
		first.Status = models.CompletedStepStatus
		first.Output = &models.StepOutput{Search: &models.SearchOutput{
			Query:   "parks Lisbon",
			Results: []models.SearchResult{{Title: "Estrela", URL: "https://example.com/estrela"}},
		}}
		first.DurationMs = 42
		first.CompletedAt = &now
		require.NoError(t, store.UpdateStepExecution(first, models.RunningStepStatus))

		// completed executions never change again
		first.Status = models.FailedStepStatus
		assert.ErrorIs(t, store.UpdateStepExecution(first, models.CompletedStepStatus), storage.ErrStatusConflict)
		assert.ErrorIs(t, store.UpdateStepExecution(newExecution(run.ID, 5, models.FailedStepStatus), models.RunningStepStatus), storage.ErrNotFound)

		second := newExecution(run.ID, 1, models.RunningStepStatus)
		require.NoError(t, store.SaveStepExecution(second))

		execs, err := store.ListStepExecutions(run.ID)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		assert.Equal(t, first.ID, execs[0].ID)
		assert.Equal(t, models.CompletedStepStatus, execs[0].Status)
		require.NotNil(t, execs[0].Output)
		assert.Equal(t, models.SearchStepType, execs[0].Output.Kind())
		assert.Equal(t, "Estrela", execs[0].Output.Search.Results[0].Title)
		assert.Equal(t, int64(42), execs[0].DurationMs)
		assert.Equal(t, second.ID, execs[1].ID)
		assert.Nil(t, execs[1].Output)
	})

	t.Run("FailActiveStepExecutions", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("alice")
		require.NoError(t, store.SaveRun(run))
		require.NoError(t, store.SaveStepExecution(newExecution(run.ID, 0, models.CompletedStepStatus)))
		require.NoError(t, store.SaveStepExecution(newExecution(run.ID, 1, models.RunningStepStatus)))

		require.NoError(t, store.FailActiveStepExecutions(run.ID, "Cancelled by user", time.Now().UTC()))

		execs, err := store.ListStepExecutions(run.ID)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		assert.Equal(t, models.CompletedStepStatus, execs[0].Status)
		assert.Equal(t, models.FailedStepStatus, execs[1].Status)
		assert.Equal(t, "Cancelled by user", execs[1].Error)
		assert.NotNil(t, execs[1].CompletedAt)
	})

	t.Run("DeleteFailedStepExecutions", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("alice")
		run.Steps = append(run.Steps, models.StepDefinition{Index: 2, Type: models.SummarizeStepType})
		require.NoError(t, store.SaveRun(run))
		require.NoError(t, store.SaveStepExecution(newExecution(run.ID, 0, models.FailedStepStatus)))
		require.NoError(t, store.SaveStepExecution(newExecution(run.ID, 0, models.CompletedStepStatus)))
		require.NoError(t, store.SaveStepExecution(newExecution(run.ID, 1, models.FailedStepStatus)))
		require.NoError(t, store.SaveStepExecution(newExecution(run.ID, 2, models.FailedStepStatus)))

		require.NoError(t, store.DeleteFailedStepExecutions(run.ID, 1))

		execs, err := store.ListStepExecutions(run.ID)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		for _, e := range execs {
			assert.Equal(t, 0, e.StepIndex)
		}
	})

	t.Run("Reports", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("alice")
		require.NoError(t, store.SaveRun(run))

		report := models.Report{
			ID:         uuid.NewString(),
			WorkflowID: run.ID,
			UserID:     "alice",
			Title:      run.Title,
			Format:     models.SummaryOutputFormat,
			Content:    "# Parks in Lisbon\n",
			Sources:    []string{"https://example.com/estrela"},
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, store.SaveReport(report))

		got, err := store.GetReport(report.ID)
		require.NoError(t, err)
		assert.Equal(t, report.Content, got.Content)
		assert.Equal(t, run.ID, got.WorkflowID)
		assert.Equal(t, []string{"https://example.com/estrela"}, []string(got.Sources))

		_, err = store.GetReport(uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetReport("nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Commit makes writes visible", func(t *testing.T) {
		base, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		defer base.Close()
		t.Cleanup(func() { testDB.Truncate(t) })

		tx, err := base.Begin()
		require.NoError(t, err)
		run := newRun("alice")
		require.NoError(t, tx.SaveRun(run))

		_, err = base.GetRun(run.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, tx.Commit())
		got, err := base.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
	})
}

func TestRedisLocker(t *testing.T) {
	testRedis := testutil.SetupTestRedis(t)
	defer testRedis.Teardown(t)

	locker, err := internal_storage.NewRedisLocker(internal_storage.RedisOptions{Addr: testRedis.Addr, TTL: time.Minute})
	require.NoError(t, err)
	defer locker.Close()
	ctx := context.Background()

	release, err := locker.TryLock(ctx, "run-1/0")
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "run-1/0")
	assert.ErrorIs(t, err, storage.ErrLocked)

	// a retried run is a different generation and locks independently
	releaseNext, err := locker.TryLock(ctx, "run-1/1")
	require.NoError(t, err)
	releaseNext()

	release()
	again, err := locker.TryLock(ctx, "run-1/0")
	require.NoError(t, err)
	again()

	t.Run("Release failure is logged", func(t *testing.T) {
		logger := &recordingLogger{}
		closing, err := internal_storage.NewRedisLocker(internal_storage.RedisOptions{Addr: testRedis.Addr, TTL: time.Minute, Logger: logger})
		require.NoError(t, err)

		release, err := closing.TryLock(ctx, "run-2/0")
		require.NoError(t, err)
		require.NoError(t, closing.Close())
		release()

		warnings := logger.warnings()
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "run-2/0")
	})

	t.Run("Unreachable server", func(t *testing.T) {
		_, err := internal_storage.NewRedisLocker(internal_storage.RedisOptions{Addr: "127.0.0.1:1"})
		assert.Error(t, err)
	})
}

type recordingLogger struct {
	mu   sync.Mutex
	warn []string
}

func (l *recordingLogger) Infof(format string, args ...interface{})  {}
func (l *recordingLogger) Errorf(format string, args ...interface{}) {}

func (l *recordingLogger) Warnf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warn = append(l.warn, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warn...)
}
