// checkrelay - remote static-analysis offload daemon
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/checkrelay/checkrelay/internal/analyze"
	"github.com/checkrelay/checkrelay/internal/api"
	"github.com/checkrelay/checkrelay/internal/config"
	"github.com/checkrelay/checkrelay/internal/ctu"
	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/checkrelay/checkrelay/internal/identity"
	"github.com/checkrelay/checkrelay/internal/metrics"
	"github.com/checkrelay/checkrelay/internal/notify"
	"github.com/checkrelay/checkrelay/internal/scheduler"
	"github.com/checkrelay/checkrelay/internal/session"
	"github.com/checkrelay/checkrelay/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "max_runs", cfg.MaxRuns,
		"max_jobs_per_run", cfg.MaxJobsPerRun, "runner", cfg.Runner)

	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		slog.Error("Failed to resolve workspace path", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("Failed to create workspace", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	registry, err := analyze.LoadCheckerRegistry(cfg.CheckersFile)
	if err != nil {
		slog.Error("Failed to load checker registry", "error", err)
		os.Exit(1)
	}

	var runner analyze.Runner
	if cfg.Runner == config.RunnerDocker {
		runner, err = analyze.NewDockerRunner(cfg.DockerImage, workspace, registry)
		if err != nil {
			slog.Error("Failed to initialize docker runner", "error", err)
			os.Exit(1)
		}
	} else {
		runner = analyze.NewExecRunner(cfg.AnalyzerBin, registry)
		slog.Info("Exec analyzer runner initialized", "bin", cfg.AnalyzerBin)
	}

	// Initialize services.
	sched := scheduler.New(cfg.MaxRuns, cfg.MaxJobsPerRun)
	coord := ctu.NewCoordinator(runner)
	mgr := session.NewManager(session.Deps{
		Scheduler:   sched,
		Repo:        repo,
		Runner:      runner,
		Coordinator: coord,
		Workspace:   workspace,
		IdleTimeout: cfg.SessionIdleTimeout,
	})

	m := metrics.New(
		func() float64 { return float64(sched.ActiveRuns()) },
		func() float64 { return float64(mgr.ActiveSessions()) },
	)
	coord.ObserveStage = func(stage string, seconds float64) {
		m.StageDuration.WithLabelValues(stage).Observe(seconds)
	}

	notifier := notify.NewNotifier()
	mgr.SetOnDone(func(token string, state domain.SessionState) {
		notifier.Done(token, state)
		if state == domain.StateExpired {
			m.SessionsExpired.Inc()
		}
	})

	// Initialize handlers.
	apiHandler := api.NewHandler(mgr, runner, m)
	wsHandler := notify.NewHandler(notifier, mgr.SessionState)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(identity.Middleware(cfg.APISecret))

	apiHandler.RegisterRoutes(r)

	// WebSocket completion notification endpoint.
	r.Get("/ws/notify", wsHandler.ServeHTTP)

	// Prometheus scrape endpoint.
	r.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
		// Notification connections block until checking finishes, so no
		// write timeout; long file uploads make the read timeout generous.
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start the idle-session sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.StartSweeper(ctx, cfg.SweepInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "protocol_version", api.ProtocolVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
