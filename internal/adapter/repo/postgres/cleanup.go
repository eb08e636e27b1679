package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService handles data retention. Terminal jobs and completed groups
// older than the retention window are removed; live rows are never touched.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal records older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	jobsTag, err := s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','cancelled')
		AND COALESCE(completed_at, updated_at) < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}

	groupsTag, err := s.Pool.Exec(ctx, `
		DELETE FROM job_groups
		WHERE status = 'completed'
		AND COALESCE(completed_at, updated_at) < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.groups: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", jobsTag.RowsAffected()),
		slog.Int64("deleted_groups", groupsTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
