// Command server starts the mobile test orchestrator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/app"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/config"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Schema is embedded in the binary; applying it at boot keeps the server
	// and its schema in lockstep across deploys.
	if err := postgres.RunMigrations(cfg.DBURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	groupRepo := postgres.NewGroupRepo(pool)
	agentRepo := postgres.NewAgentRepo(pool)

	broker, err := redisq.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker", slog.Any("error", err))
		}
	}()

	// Usecases
	jobSvc := usecase.NewJobService(jobRepo, groupRepo, agentRepo, broker, broker)
	agentSvc := usecase.NewAgentService(agentRepo, jobRepo, groupRepo, jobSvc)
	healthSvc := usecase.NewHealthService(pool, broker)

	// Dev fixture fleet: lets a fresh environment dispatch work before any
	// real agent has registered. Failure is logged, not fatal.
	if cfg.SeedAgentsFile != "" {
		if err := seedAgentsFromYAML(ctx, agentSvc, cfg.SeedAgentsFile); err != nil {
			slog.Error("agent seeding failed", slog.String("file", cfg.SeedAgentsFile), slog.Any("error", err))
		}
	}

	srv := httpserver.NewServer(cfg, jobSvc, agentSvc, healthSvc)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
