package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	poolMaxConns    = 10
	poolMaxIdleTime = 5 * time.Minute
)

// NewPool creates a pgx connection pool from the provided DSN. Queries run
// through the OTel tracer so store latency shows up on request spans.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = poolMaxConns
	cfg.MaxConnIdleTime = poolMaxIdleTime
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	return pgxpool.NewWithConfig(ctx, cfg)
}
