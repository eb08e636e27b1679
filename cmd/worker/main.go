// Command worker runs the background engines: scheduling, dispatch, retry,
// agent liveness, data retention and the optional lifecycle event feed. The
// HTTP API lives in a separate process; the two share state only through
// PostgreSQL and Redis.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/app"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/config"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its own /metrics endpoint; the server process has a
	// separate registry on its API port.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.WorkerMetricsAddr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	jobRepo := postgres.NewJobRepo(pool)
	groupRepo := postgres.NewGroupRepo(pool)
	agentRepo := postgres.NewAgentRepo(pool)

	jobSvc := usecase.NewJobService(jobRepo, groupRepo, agentRepo, broker, broker)
	agentSvc := usecase.NewAgentService(agentRepo, jobRepo, groupRepo, jobSvc)

	var wg sync.WaitGroup
	start := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	start(app.NewScheduler(jobRepo, groupRepo, broker, cfg.SchedulerInterval, cfg.SchedulerBatchSize, cfg.GroupKeyTTL).Run)
	start(app.NewDispatcher(jobRepo, groupRepo, agentRepo, broker, cfg.DispatcherInterval, cfg.AgentLockTTL).Run)
	start(app.NewRetryMonitor(jobRepo, broker, cfg.RetryInterval, cfg.RetryDelay, cfg.MaxRetries, cfg.RetryBatchSize).Run)
	start(app.NewAgentMonitor(agentRepo, agentSvc, cfg.HeartbeatTimeout, cfg.AgentSweepInterval).Run)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		start(func(ctx context.Context) { cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval) })
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	if cfg.EventsEnabled() {
		producer, err := redpanda.NewEventProducer(cfg.KafkaBrokers, cfg.EventTopic)
		if err != nil {
			slog.Error("event producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Error("failed to close event producer", slog.Any("error", err))
			}
		}()
		start(app.NewEventBridge(jobRepo, broker, producer).Run)
		slog.Info("lifecycle event feed enabled", slog.String("topic", cfg.EventTopic))
	}

	slog.Info("worker started, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping engines")
	wg.Wait()
	slog.Info("worker stopped")
}
