package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ignatij/scoutflow/internal/log"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/ignatij/scoutflow/pkg/storage"
	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

// Authenticator resolves the caller of a request to a user id.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, ok bool)
}

// TokenAuthenticator accepts "Authorization: Bearer <token>" for a fixed
// token to user mapping.
type TokenAuthenticator struct {
	tokens map[string]string
}

func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	user, ok := a.tokens[strings.TrimSpace(token)]
	return user, ok && user != ""
}

// NewHandler routes the workflow API onto a ServeMux.
func NewHandler(engine *service.Engine, auth Authenticator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.Handle("POST /workflows/execute", authenticated(auth, executeHandler(engine)))
	mux.Handle("GET /workflows", authenticated(auth, listHandler(engine)))
	mux.Handle("GET /workflows/{id}/status", authenticated(auth, statusHandler(engine)))
	mux.Handle("POST /workflows/{id}/cancel", authenticated(auth, cancelHandler(engine)))
	mux.Handle("POST /workflows/{id}/retry", authenticated(auth, retryHandler(engine)))
	mux.Handle("GET /workflows/{id}/report", authenticated(auth, reportHandler(engine)))
	return requestLogger(mux)
}

// StartServer serves handler on port until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, port string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting scoutflow server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.GetLogger().Info("Shutting down scoutflow server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "scoutflow server is running")
}

type userKey struct{}

func authenticated(auth Authenticator, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.Authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userKey{}).(string)
	return userID
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.GetLogger().Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type stepResponse struct {
	Index       int             `json:"index"`
	Type        models.StepType `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
}

type executeResponse struct {
	WorkflowID  string           `json:"workflowId"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Status      models.RunStatus `json:"status"`
	TotalSteps  int              `json:"totalSteps"`
	Steps       []stepResponse   `json:"steps"`
}

type workflowSummary struct {
	WorkflowID   string              `json:"workflowId"`
	Title        string              `json:"title"`
	Goal         string              `json:"goal"`
	Status       models.RunStatus    `json:"status"`
	CurrentStep  int                 `json:"currentStep"`
	TotalSteps   int                 `json:"totalSteps"`
	Depth        models.Depth        `json:"depth"`
	OutputFormat models.OutputFormat `json:"outputFormat"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	CompletedAt  *time.Time          `json:"completedAt,omitempty"`
}

type listResponse struct {
	Workflows []workflowSummary `json:"workflows"`
}

type successResponse struct {
	Success       bool `json:"success"`
	RetryFromStep *int `json:"retryFromStep,omitempty"`
}

func executeHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.CreateRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		run, err := engine.Create(r.Context(), userFrom(r), req)
		if err != nil {
			handleError(w, r, err)
			return
		}
		resp := executeResponse{
			WorkflowID:  run.ID,
			Title:       run.Title,
			Description: run.Description,
			Status:      run.Status,
			TotalSteps:  run.TotalSteps(),
			Steps:       make([]stepResponse, 0, run.TotalSteps()),
		}
		for _, s := range run.Steps {
			resp.Steps = append(resp.Steps, stepResponse{Index: s.Index, Type: s.Type, Title: s.Title, Description: s.Description})
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func listHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := engine.List(userFrom(r))
		if err != nil {
			handleError(w, r, err)
			return
		}
		resp := listResponse{Workflows: make([]workflowSummary, 0, len(runs))}
		for _, run := range runs {
			resp.Workflows = append(resp.Workflows, workflowSummary{
				WorkflowID:   run.ID,
				Title:        run.Title,
				Goal:         run.Goal,
				Status:       run.Status,
				CurrentStep:  run.CurrentStep,
				TotalSteps:   run.TotalSteps(),
				Depth:        run.Depth,
				OutputFormat: run.OutputFormat,
				ErrorMessage: run.ErrorMessage,
				CreatedAt:    run.CreatedAt,
				CompletedAt:  run.CompletedAt,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statusHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := engine.Status(userFrom(r), r.PathValue("id"))
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func cancelHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Cancel(userFrom(r), r.PathValue("id")); err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	}
}

func retryHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := engine.Retry(userFrom(r), r.PathValue("id"))
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true, RetryFromStep: &from})
	}
}

func reportHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.Report(userFrom(r), r.PathValue("id"))
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// handleError maps engine errors to status codes. Internal errors are logged
// and hidden from the caller.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, service.ErrNoReport):
		writeError(w, http.StatusNotFound, "report not available yet")
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrPoolStopped):
		log.GetLogger().Warnf("%s %s: %v", r.Method, r.URL.Path, err)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "server is busy, retry later")
	case errors.Is(err, service.ErrPlanning):
		log.GetLogger().Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "failed to plan workflow")
	default:
		log.GetLogger().Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
