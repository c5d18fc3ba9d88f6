package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/scoutflow/internal/config"
	"github.com/ignatij/scoutflow/internal/executor"
	internal_http "github.com/ignatij/scoutflow/internal/http"
	"github.com/ignatij/scoutflow/internal/llm"
	"github.com/ignatij/scoutflow/internal/log"
	internal_storage "github.com/ignatij/scoutflow/internal/storage"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/spf13/cobra"
)

// app is everything a command needs, built from the environment and flags.
type app struct {
	cfg    config.Config
	engine *service.Engine
	close  func()
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides DATABASE_URL and DB_* env vars)")
	rootCmd.PersistentFlags().String("store", "", "Store kind: postgres or memory (overrides STORE)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the workflow engine",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := mustApp(ctx, cmd)
			defer a.close()

			if a.cfg.RecoverOnStart {
				if _, err := a.engine.RecoverInterrupted(); err != nil {
					log.GetLogger().Errorf("Failed to recover interrupted workflows: %v", err)
				}
			}
			if len(a.cfg.APITokens) == 0 {
				log.GetLogger().Warn("API_TOKENS is empty; every API request will be rejected")
			}
			handler := internal_http.NewHandler(a.engine, internal_http.NewTokenAuthenticator(a.cfg.APITokens))
			if err := internal_http.StartServer(ctx, fmt.Sprint(a.cfg.Port), handler); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}

	planCmd := &cobra.Command{
		Use:   "plan [goal]",
		Short: "Show the plan for a goal without running it",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp(context.Background(), cmd)
			defer a.close()
			req, plan, err := a.engine.Plan(cmd.Context(), requestFrom(cmd, args))
			if err != nil {
				fail("failed to plan workflow", err)
			}
			fmt.Fprintf(os.Stdout, "%s\n", plan.Title)
			if plan.Description != "" {
				fmt.Fprintf(os.Stdout, "%s\n", plan.Description)
			}
			fmt.Fprintf(os.Stdout, "Depth: %s, Output: %s, Sources: %s\n", req.Depth, req.OutputFormat, strings.Join(req.Sources, ", "))
			for _, s := range plan.Steps {
				fmt.Fprintf(os.Stdout, "%d. [%s] %s\n", s.Index+1, s.Type, s.Title)
			}
		},
	}

	runCmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Plan and run a workflow in the foreground, then print its report",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a := mustApp(ctx, cmd)
			defer a.close()

			user := userFlag(cmd)
			run, err := a.engine.CreateAndWait(ctx, user, requestFrom(cmd, args))
			if err != nil && run.ID == "" {
				fail("failed to create workflow", err)
			}
			if err != nil {
				log.GetLogger().Errorf("Workflow %s did not finish: %v", run.ID, err)
			}
			view, err := a.engine.Status(user, run.ID)
			if err != nil {
				fail("failed to read workflow status", err)
			}
			printStatus(view)
			if view.Status != models.CompletedRunStatus {
				os.Exit(1)
			}
			report, err := a.engine.Report(user, run.ID)
			if err != nil {
				fail("failed to read report", err)
			}
			fmt.Fprintf(os.Stdout, "\n%s", report.Content)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's workflows",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp(context.Background(), cmd)
			defer a.close()
			runs, err := a.engine.List(userFlag(cmd))
			if err != nil {
				fail("failed to list workflows", err)
			}
			if len(runs) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Workflows:\n")
			for _, run := range runs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Title: %s, Status: %s, Step: %d/%d, Created: %s\n",
					run.ID, run.Title, run.Status, run.CurrentStep, run.TotalSteps(), run.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show the progress of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp(context.Background(), cmd)
			defer a.close()
			view, err := a.engine.Status(userFlag(cmd), args[0])
			if err != nil {
				fail("failed to read workflow status", err)
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(view)
				return
			}
			printStatus(view)
		},
	}
	statusCmd.Flags().Bool("json", false, "Print the status as JSON")

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a pending or running workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp(context.Background(), cmd)
			defer a.close()
			if err := a.engine.Cancel(userFlag(cmd), args[0]); err != nil {
				fail("failed to cancel workflow", err)
			}
			fmt.Fprintf(os.Stdout, "Cancelled workflow %s\n", args[0])
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Resume a failed workflow from its failed step and wait for it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a := mustApp(ctx, cmd)
			defer a.close()
			user := userFlag(cmd)
			from, err := a.engine.Retry(user, args[0])
			if err != nil {
				fail("failed to retry workflow", err)
			}
			fmt.Fprintf(os.Stdout, "Retrying workflow %s from step %d\n", args[0], from+1)
			waitForRun(ctx, a.engine, user, args[0])
		},
	}

	reportCmd := &cobra.Command{
		Use:   "report [id]",
		Short: "Print the report of a completed workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustApp(context.Background(), cmd)
			defer a.close()
			report, err := a.engine.Report(userFlag(cmd), args[0])
			if err != nil {
				fail("failed to read report", err)
			}
			fmt.Fprint(os.Stdout, report.Content)
		},
	}

	for _, c := range []*cobra.Command{planCmd, runCmd} {
		c.Flags().StringSlice("source", nil, "Source to consult (repeatable): web, images, github")
		c.Flags().String("depth", "", "quick, standard or deep")
		c.Flags().String("format", "", "summary, report or list")
	}
	for _, c := range []*cobra.Command{runCmd, listCmd, statusCmd, cancelCmd, retryCmd, reportCmd} {
		c.Flags().String("user", "cli", "User id that owns the workflows")
	}

	rootCmd.AddCommand(serveCmd, planCmd, runCmd, listCmd, statusCmd, cancelCmd, retryCmd, reportCmd)
}

func requestFrom(cmd *cobra.Command, args []string) service.CreateRequest {
	sources, _ := cmd.Flags().GetStringSlice("source")
	depth, _ := cmd.Flags().GetString("depth")
	format, _ := cmd.Flags().GetString("format")
	return service.CreateRequest{
		Goal:         strings.Join(args, " "),
		Sources:      sources,
		Depth:        models.Depth(depth),
		OutputFormat: models.OutputFormat(format),
	}
}

func userFlag(cmd *cobra.Command) string {
	user, err := cmd.Flags().GetString("user")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving user flag: %v", err)
		os.Exit(1)
	}
	return user
}

// waitForRun polls until the run leaves the active states, then prints it.
func waitForRun(ctx context.Context, engine *service.Engine, user, runID string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		view, err := engine.Status(user, runID)
		if err != nil {
			fail("failed to read workflow status", err)
		}
		if view.Status == models.CompletedRunStatus || view.Status == models.FailedRunStatus {
			printStatus(view)
			return
		}
		select {
		case <-ctx.Done():
			printStatus(view)
			return
		case <-ticker.C:
		}
	}
}

func printStatus(view service.RunStatusView) {
	fmt.Fprintf(os.Stdout, "Workflow %s: %s\n", view.WorkflowID, view.Title)
	fmt.Fprintf(os.Stdout, "Status: %s (%d%%, step %d/%d)\n", view.Status, view.Progress, view.CurrentStep, view.TotalSteps)
	if view.ErrorMessage != "" {
		fmt.Fprintf(os.Stdout, "Error: %s\n", view.ErrorMessage)
	}
	for _, s := range view.Steps {
		line := fmt.Sprintf("  %d. [%s] %s: %s", s.Index+1, s.Type, s.Title, s.Status)
		if s.Error != "" {
			line += " (" + s.Error + ")"
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func fail(msg string, err error) {
	log.GetLogger().Errorf("%s: %v", msg, err)
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}

func mustApp(ctx context.Context, cmd *cobra.Command) *app {
	a, err := newApp(ctx, cmd)
	if err != nil {
		fail("failed to start", err)
	}
	return a
}

// newApp wires configuration, storage, locking, the model clients and the
// executors into an engine.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.LogLevel)

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBURL = db
	}
	if kind, _ := cmd.Flags().GetString("store"); kind != "" {
		cfg.Store = kind
	}
	log.GetLogger().Debugf("Using %s store", cfg.Store)

	store, err := internal_storage.InitStore(cfg.Store, cfg.DBURL)
	if err != nil {
		return nil, err
	}
	closers := []func() error{store.Close}

	opts := []service.EngineOption{
		service.WithWorkers(cfg.Workers),
		service.WithQueueSize(cfg.QueueSize),
		service.WithStepTimeout(cfg.StepTimeout),
		service.WithStepRetries(cfg.StepRetries),
	}
	if cfg.RedisAddr != "" {
		locker, err := internal_storage.NewRedisLocker(internal_storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   log.GetLogger(),
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		closers = append(closers, locker.Close)
		opts = append(opts, service.WithLocker(locker))
	}

	var planner service.Planner = service.NewTemplatePlanner()
	var completer executor.Completer
	if cfg.OpenAIAPIKey != "" {
		client := llm.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.RateLimitRPS, cfg.StepTimeout)
		planner = llm.NewPlanner(client)
		completer = client
	}

	registry, err := executor.NewRegistry(cfg, completer, log.GetLogger())
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	engine := service.NewEngine(ctx, store, planner, registry, log.GetLogger(), opts...)
	return &app{
		cfg:    cfg,
		engine: engine,
		close: func() {
			engine.Stop()
			for _, c := range closers {
				if err := c(); err != nil {
					log.GetLogger().Errorf("Failed to close: %v", err)
				}
			}
		},
	}, nil
}
