package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/internal/audit"
	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/pkg/artifact"
	"github.com/wisbric/nightowl/pkg/backlog"
	"github.com/wisbric/nightowl/pkg/notify"
	"github.com/wisbric/nightowl/pkg/seed"
	"github.com/wisbric/nightowl/pkg/supervisor"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker, or seed).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting factory", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	leaseTTL := time.Duration(cfg.DefaultLeaseTTLSeconds) * time.Second
	backlogStore := backlog.NewPostgresStore(db)
	supervisorStore := supervisor.NewPostgresStore(db, backlogStore, leaseTTL)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, backlogStore, supervisorStore)
	case "worker":
		return runWorker(ctx, cfg, logger, rdb, supervisorStore)
	case "seed":
		return seed.Run(ctx, backlogStore, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	backlogStore backlog.Store,
	supervisorStore supervisor.Store,
) error {
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	leaseTTL := time.Duration(cfg.DefaultLeaseTTLSeconds) * time.Second
	backlogHandler := backlog.NewHandler(backlogStore, leaseTTL, logger)
	srv.APIRouter.Mount("/tickets", backlogHandler.Routes())

	supervisorHandler := supervisor.NewHandler(supervisorStore, logger)

	artifactStore := artifact.NewStore(db)
	artifactHandler := artifact.NewHandler(artifactStore, logger)
	srv.APIRouter.Route("/runs/{runID}/artifacts", func(r chi.Router) {
		r.Mount("/", artifactHandler.Routes())
	})

	auditHandler := audit.NewHandler(db, logger)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	if cfg.SlackBotToken != "" {
		slackProvider := notify.NewSlackProvider(cfg.SlackBotToken, cfg.SlackApprovalChannel, logger)
		refStore := notify.NewMemRefStore()
		supervisorHandler = supervisorHandler.WithApprovalHook(func(hookCtx context.Context, run supervisor.Run) {
			ref, err := slackProvider.PostApprovalPrompt(hookCtx, notify.ApprovalRequest{
				RunID:    run.ID,
				TicketID: run.TicketID,
				Harness:  run.Harness,
				Summary:  fmt.Sprintf("run %s (%s) is awaiting approval", run.ID, run.Harness),
			})
			if err != nil {
				logger.Error("posting approval prompt", "run_id", run.ID, "error", err)
				return
			}
			if ref != nil {
				refStore.Put(run.ID, *ref)
			}
		})
		notifyHandler := notify.NewHandler(supervisorStore, cfg.SlackSigningSecret, logger, auditWriter, slackProvider, refStore)
		srv.Router.Mount("/api/v1/slack", notifyHandler.Routes())
		logger.Info("slack approval notifications enabled", "channel", cfg.SlackApprovalChannel)
	} else {
		logger.Info("slack approval notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	srv.APIRouter.Mount("/runs", supervisorHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, rdb *redis.Client, supervisorStore supervisor.Store) error {
	logger.Info("worker started")

	heartbeatTimeout := time.Duration(cfg.RunHeartbeatTimeoutSeconds) * time.Second
	sweepInterval, err := time.ParseDuration(cfg.SupervisorSweepInterval)
	if err != nil {
		return fmt.Errorf("parsing SUPERVISOR_SWEEP_INTERVAL: %w", err)
	}
	engine := supervisor.NewEngine(supervisorStore, rdb, logger, sweepInterval, heartbeatTimeout)
	return engine.Run(ctx)
}
