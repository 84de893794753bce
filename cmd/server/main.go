package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/api"
	"github.com/pulsetrack/backend/internal/auth"
	"github.com/pulsetrack/backend/internal/config"
	"github.com/pulsetrack/backend/internal/db"
	"github.com/pulsetrack/backend/internal/dispatch"
	"github.com/pulsetrack/backend/internal/github"
	"github.com/pulsetrack/backend/internal/jobs"
	"github.com/pulsetrack/backend/internal/metrics"
	"github.com/pulsetrack/backend/internal/syncer"
	"github.com/pulsetrack/backend/internal/whoop"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.DBConnectionString == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	store, err := connectWithRetry(cfg.DBConnectionString, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}

	authMgr := auth.NewManager(store, logger, map[string]auth.ProviderEndpoint{
		"whoop": {
			TokenURL: cfg.WhoopTokenURL,
			// Whoop omits the rotated refresh token unless the refresh
			// exchange asks for offline access again.
			Scope: "offline",
		},
	})

	runner := syncer.NewRunner(store, logger, cfg.Sync)
	registerSources(runner, cfg, authMgr, logger)

	registry := jobs.NewRegistry(store, logger, cfg.Sync.JobRetention)

	var queued *dispatch.QueuedDispatch
	if cfg.QueueEnabled {
		queued = dispatch.NewQueuedDispatch(store)
	}
	dispatcher := dispatch.NewDispatcher(registry, runner, queued, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if cfg.QueueEnabled {
		pool := dispatch.NewWorkerPool(store, dispatcher, logger, cfg.WorkerCount, cfg.Poll.Interval)
		go func() {
			if err := pool.Run(workerCtx); err != nil {
				logger.WithError(err).Error("Worker pool stopped")
			}
		}()
	}

	handler := api.NewHandler(dispatcher, registry, runner, authMgr, store, cfg, logger)
	router := api.NewRouter(handler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Forced shutdown")
	}
	logger.Info("Server stopped")
}

func registerSources(runner *syncer.Runner, cfg *config.Config, authMgr *auth.Manager, logger *logrus.Logger) {
	if cfg.GitHubToken != "" {
		ghClient := github.NewClient(cfg.GitHubToken, logger)
		runner.Register("github/projects", github.NewProjectSource(ghClient, metrics.NewAPIDerived(), cfg.GitHubUser, logger))
	} else {
		logger.Warn("GITHUB_ACCESS_TOKEN not set, github targets disabled")
	}

	whoopClient := whoop.NewClient(authMgr, logger)
	runner.Register("whoop/recovery", whoop.NewRecoverySource(whoopClient, logger))
	runner.Register("whoop/sleep", whoop.NewSleepSource(whoopClient, logger))
	runner.Register("whoop/workouts", whoop.NewWorkoutSource(whoopClient, logger))
	runner.Register("whoop/cycles", whoop.NewCycleSource(whoopClient, logger))
}

// connectWithRetry gives the database a grace period to come up, which keeps
// container orchestration happy when the app starts before Postgres.
func connectWithRetry(connStr string, logger *logrus.Logger) (*db.PostgresStore, error) {
	var store *db.PostgresStore
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		store, err = db.NewPostgresStore(connStr)
		if err == nil {
			return store, nil
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Database not ready, retrying")
		time.Sleep(5 * time.Second)
	}
	return nil, err
}
