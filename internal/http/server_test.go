package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	internal_http "github.com/ignatij/scoutflow/internal/http"
	"github.com/ignatij/scoutflow/internal/log"
	internal_storage "github.com/ignatij/scoutflow/internal/storage"
	"github.com/ignatij/scoutflow/internal/testutil"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/ignatij/scoutflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

type gate struct {
	ch chan struct{}
}

func (g *gate) wait() {
	if g != nil {
		<-g.ch
	}
}

// newExecutors returns executors for search and summarize. Summarize fails
// with a transient error while failSummarize is set.
func newExecutors(t *testing.T, searchGate *gate, failSummarize *atomic.Bool) *service.ExecutorRegistry {
	registry := service.NewExecutorRegistry()
	require.NoError(t, registry.Register(models.SearchStepType, service.StepExecutorFunc(
		func(ctx context.Context, step models.StepDefinition, rc service.RunContext) (models.StepOutput, error) {
			searchGate.wait()
			return models.StepOutput{Search: &models.SearchOutput{
				Query:   step.Input.Query,
				Results: []models.SearchResult{{Title: "Jardim da Estrela", URL: "https://example.com/estrela"}},
			}}, nil
		})))
	require.NoError(t, registry.Register(models.SummarizeStepType, service.StepExecutorFunc(
		func(ctx context.Context, step models.StepDefinition, rc service.RunContext) (models.StepOutput, error) {
			if failSummarize != nil && failSummarize.CompareAndSwap(true, false) {
				return models.StepOutput{}, service.Transient(errors.New("connection reset"))
			}
			return models.StepOutput{Summary: &models.SummaryOutput{Text: "Estrela is lovely."}}, nil
		})))
	return registry
}

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
}

func newAPI(t *testing.T, store storage.Store, executors *service.ExecutorRegistry, opts ...service.EngineOption) *apiClient {
	opts = append([]service.EngineOption{service.WithWorkers(2)}, opts...)
	engine := service.NewEngine(context.Background(), store, service.NewTemplatePlanner(), executors, log.GetLogger(), opts...)
	auth := internal_http.NewTokenAuthenticator(map[string]string{aliceToken: "alice", bobToken: "bob"})
	srv := httptest.NewServer(internal_http.NewHandler(engine, auth))
	t.Cleanup(func() {
		srv.Close()
		engine.Stop()
	})
	return &apiClient{t: t, srv: srv}
}

func (c *apiClient) do(method, path, token string, body interface{}) (int, []byte) {
	c.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		payload, err := json.Marshal(b)
		require.NoError(c.t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, reader)
	require.NoError(c.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

func (c *apiClient) decode(data []byte, out interface{}) {
	c.t.Helper()
	require.NoError(c.t, json.Unmarshal(data, out), string(data))
}

type executeResponse struct {
	WorkflowID  string `json:"workflowId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	TotalSteps  int    `json:"totalSteps"`
	Steps       []struct {
		Index int    `json:"index"`
		Type  string `json:"type"`
		Title string `json:"title"`
	} `json:"steps"`
}

func (c *apiClient) execute(token string, body interface{}) executeResponse {
	c.t.Helper()
	code, data := c.do(http.MethodPost, "/workflows/execute", token, body)
	require.Equal(c.t, http.StatusAccepted, code, string(data))
	var resp executeResponse
	c.decode(data, &resp)
	return resp
}

func (c *apiClient) status(token, id string) service.RunStatusView {
	c.t.Helper()
	code, data := c.do(http.MethodGet, "/workflows/"+id+"/status", token, nil)
	require.Equal(c.t, http.StatusOK, code, string(data))
	var view service.RunStatusView
	c.decode(data, &view)
	return view
}

func (c *apiClient) waitFor(token, id string, status models.RunStatus) service.RunStatusView {
	c.t.Helper()
	assert.Eventually(c.t, func() bool {
		return c.status(token, id).Status == status
	}, 5*time.Second, 10*time.Millisecond, "workflow %s never reached %s", id, status)
	return c.status(token, id)
}

func parks() map[string]interface{} {
	return map[string]interface{}{"goal": "find 3 parks in Lisbon", "sources": []string{"google"}}
}

func runAPITests(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("HealthCheck", func(t *testing.T) {
		api := newAPI(t, newStore(t), newExecutors(t, nil, nil))
		code, body := api.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "scoutflow server is running", string(body))
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		api := newAPI(t, newStore(t), newExecutors(t, nil, nil))
		for _, token := range []string{"", "wrong"} {
			code, body := api.do(http.MethodGet, "/workflows", token, nil)
			assert.Equal(t, http.StatusUnauthorized, code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, string(body))
		}
	})

	t.Run("ExecuteToCompletion", func(t *testing.T) {
		api := newAPI(t, newStore(t), newExecutors(t, nil, nil))
		created := api.execute(aliceToken, parks())

		assert.NotEmpty(t, created.WorkflowID)
		assert.Equal(t, "pending", created.Status)
		assert.Equal(t, 2, created.TotalSteps)
		require.Len(t, created.Steps, 2)
		assert.Equal(t, "search", created.Steps[0].Type)
		assert.Equal(t, "summarize", created.Steps[1].Type)
		assert.Equal(t, "find 3 parks in Lisbon", created.Title)

		view := api.waitFor(aliceToken, created.WorkflowID, models.CompletedRunStatus)
		assert.Equal(t, 100, view.Progress)
		assert.Equal(t, 2, view.CurrentStep)
		require.NotNil(t, view.ReportID)

		code, data := api.do(http.MethodGet, "/workflows/"+created.WorkflowID+"/report", aliceToken, nil)
		require.Equal(t, http.StatusOK, code, string(data))
		var report models.Report
		api.decode(data, &report)
		assert.Equal(t, *view.ReportID, report.ID)
		assert.Contains(t, report.Content, "Estrela is lovely.")

		code, data = api.do(http.MethodGet, "/workflows", aliceToken, nil)
		require.Equal(t, http.StatusOK, code)
		var list struct {
			Workflows []struct {
				WorkflowID string `json:"workflowId"`
				Status     string `json:"status"`
			} `json:"workflows"`
		}
		api.decode(data, &list)
		require.Len(t, list.Workflows, 1)
		assert.Equal(t, created.WorkflowID, list.Workflows[0].WorkflowID)
		assert.Equal(t, "completed", list.Workflows[0].Status)
	})

	t.Run("Validation", func(t *testing.T) {
		api := newAPI(t, newStore(t), newExecutors(t, nil, nil))
		tests := []struct {
			name string
			body interface{}
		}{
			{name: "Malformed JSON", body: "{goal"},
			{name: "Missing goal", body: map[string]interface{}{"sources": []string{"web"}}},
			{name: "Bad depth", body: map[string]interface{}{"goal": "x", "depth": "abyssal"}},
			{name: "Bad format", body: map[string]interface{}{"goal": "x", "outputFormat": "haiku"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				code, data := api.do(http.MethodPost, "/workflows/execute", aliceToken, tt.body)
				assert.Equal(t, http.StatusBadRequest, code, string(data))
				var body map[string]string
				api.decode(data, &body)
				assert.NotEmpty(t, body["error"])
			})
		}
	})

	t.Run("Ownership", func(t *testing.T) {
		api := newAPI(t, newStore(t), newExecutors(t, nil, nil))
		created := api.execute(aliceToken, parks())
		api.waitFor(aliceToken, created.WorkflowID, models.CompletedRunStatus)

		for _, route := range []struct{ method, suffix string }{
			{http.MethodGet, "/status"},
			{http.MethodGet, "/report"},
			{http.MethodPost, "/cancel"},
			{http.MethodPost, "/retry"},
		} {
			code, _ := api.do(route.method, "/workflows/"+created.WorkflowID+route.suffix, bobToken, nil)
			assert.Equal(t, http.StatusForbidden, code, route.suffix)

			for _, token := range []string{aliceToken, bobToken} {
				code, _ = api.do(route.method, "/workflows/8f14e45f-ceea-467f-a0e6-1a2b3c4d5e6f"+route.suffix, token, nil)
				assert.Equal(t, http.StatusNotFound, code, route.suffix)
			}
		}

		code, data := api.do(http.MethodGet, "/workflows", bobToken, nil)
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"workflows":[]}`, string(data))
	})

	t.Run("CancelAndRetry", func(t *testing.T) {
		g := &gate{ch: make(chan struct{})}
		api := newAPI(t, newStore(t), newExecutors(t, g, nil))
		created := api.execute(aliceToken, parks())
		api.waitFor(aliceToken, created.WorkflowID, models.RunningRunStatus)

		code, _ := api.do(http.MethodGet, "/workflows/"+created.WorkflowID+"/report", aliceToken, nil)
		assert.Equal(t, http.StatusNotFound, code)

		code, data := api.do(http.MethodPost, "/workflows/"+created.WorkflowID+"/cancel", aliceToken, nil)
		require.Equal(t, http.StatusOK, code, string(data))
		assert.JSONEq(t, `{"success":true}`, string(data))

		view := api.status(aliceToken, created.WorkflowID)
		assert.Equal(t, models.FailedRunStatus, view.Status)
		assert.Equal(t, service.CancelledByUser, view.ErrorMessage)
		require.NotNil(t, view.FailedStep)
		assert.Equal(t, 0, *view.FailedStep)

		// cancelling twice is an invalid transition
		code, _ = api.do(http.MethodPost, "/workflows/"+created.WorkflowID+"/cancel", aliceToken, nil)
		assert.Equal(t, http.StatusBadRequest, code)

		close(g.ch)
		code, data = api.do(http.MethodPost, "/workflows/"+created.WorkflowID+"/retry", aliceToken, nil)
		require.Equal(t, http.StatusOK, code, string(data))
		assert.JSONEq(t, `{"success":true,"retryFromStep":0}`, string(data))

		api.waitFor(aliceToken, created.WorkflowID, models.CompletedRunStatus)
		code, _ = api.do(http.MethodPost, "/workflows/"+created.WorkflowID+"/retry", aliceToken, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("QueueFull", func(t *testing.T) {
		searchGate := &gate{ch: make(chan struct{})}
		api := newAPI(t, newStore(t), newExecutors(t, searchGate, nil), service.WithWorkers(1), service.WithQueueSize(1))
		first := api.execute(aliceToken, parks())
		api.waitFor(aliceToken, first.WorkflowID, models.RunningRunStatus)
		second := api.execute(aliceToken, parks())

		code, data := api.do(http.MethodPost, "/workflows/execute", aliceToken, parks())
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.JSONEq(t, `{"error":"server is busy, retry later"}`, string(data))

		close(searchGate.ch)
		api.waitFor(aliceToken, first.WorkflowID, models.CompletedRunStatus)
		api.waitFor(aliceToken, second.WorkflowID, models.CompletedRunStatus)
	})

	t.Run("RetryFailedStep", func(t *testing.T) {
		var fail atomic.Bool
		fail.Store(true)
		api := newAPI(t, newStore(t), newExecutors(t, nil, &fail))
		created := api.execute(aliceToken, parks())

		view := api.waitFor(aliceToken, created.WorkflowID, models.FailedRunStatus)
		require.NotNil(t, view.FailedStep)
		assert.Equal(t, 1, *view.FailedStep)
		assert.Equal(t, "connection reset", view.ErrorMessage)
		assert.Equal(t, 50, view.Progress)

		code, data := api.do(http.MethodPost, "/workflows/"+created.WorkflowID+"/retry", aliceToken, nil)
		require.Equal(t, http.StatusOK, code, string(data))
		assert.JSONEq(t, `{"success":true,"retryFromStep":1}`, string(data))

		view = api.waitFor(aliceToken, created.WorkflowID, models.CompletedRunStatus)
		assert.Equal(t, 100, view.Progress)
		assert.Nil(t, view.FailedStep)
		assert.Empty(t, view.ErrorMessage)
	})
}

func TestServerInMemory(t *testing.T) {
	runAPITests(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestE2EServer(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	runAPITests(t, func(t *testing.T) storage.Store {
		store, err := internal_storage.InitStore(internal_storage.PostgresKind, testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() {
			testDB.Truncate(t)
			store.Close()
		})
		return store
	})
}
