package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

const retryBatch = 50

// RetryMonitor re-opens failed jobs once their retry delay has elapsed. The
// store-side promotion predicate carries the whole race story, so replicas
// and manual re-runs cannot double-spend the retry budget.
type RetryMonitor struct {
	jobs       domain.JobRepository
	pub        domain.Publisher
	interval   time.Duration
	retryDelay time.Duration
	maxRetries int
	batch      int
}

func NewRetryMonitor(jobs domain.JobRepository, pub domain.Publisher, interval, retryDelay time.Duration, maxRetries, batch int) *RetryMonitor {
	if jobs == nil {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	if batch <= 0 {
		batch = retryBatch
	}
	return &RetryMonitor{jobs: jobs, pub: pub, interval: interval, retryDelay: retryDelay, maxRetries: maxRetries, batch: batch}
}

func (m *RetryMonitor) Run(ctx context.Context) {
	if m == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.retryOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("retry monitor stopping")
			return
		case <-ticker.C:
			m.retryOnce(ctx)
		}
	}
}

func (m *RetryMonitor) retryOnce(ctx context.Context) {
	failed, err := m.jobs.ListFailed(ctx, m.batch)
	if err != nil {
		observability.TickFailed("retry_monitor")
		slog.Error("retry monitor: list failed jobs", slog.Any("error", err))
		return
	}
	now := time.Now().UTC()
	retried := 0
	for _, j := range failed {
		if j.RetryCount >= m.maxRetries {
			continue
		}
		if now.Sub(j.UpdatedAt) < m.retryDelay {
			continue
		}
		promoted, err := m.jobs.PromoteFailed(ctx, j.ID, m.maxRetries)
		if err != nil {
			slog.Error("retry monitor: promote job", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		if !promoted {
			continue
		}
		retried++
		observability.JobRetried()
		slog.Info("job re-queued for retry", slog.String("job_id", j.ID), slog.Int("attempt", j.RetryCount+1), slog.Int("max", m.maxRetries))
		if m.pub != nil {
			ev := domain.StatusUpdateEvent{JobID: j.ID, NewStatus: domain.JobPending, Timestamp: now}
			if err := m.pub.Publish(ctx, domain.ChannelJobStatusUpdated, ev); err != nil {
				slog.Warn("retry monitor: publish status", slog.String("job_id", j.ID), slog.Any("error", err))
			}
		}
	}
	if retried > 0 {
		slog.Info("retry sweep finished", slog.Int("retried", retried), slog.Int("examined", len(failed)))
	}
}
