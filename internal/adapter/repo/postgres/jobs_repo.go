// Package postgres provides PostgreSQL database adapters.
//
// It implements the repository ports for jobs, job groups and agents on top
// of a minimal pgx pool, with embedded schema migrations and retention
// cleanup for aged-out records.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

//go:generate mockery --config=.mockery.yml
//go:generate mockery --config=.mockery-pgx.yml

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, org_id, app_version_id, test_path, target, priority, status, retry_count, COALESCE(assigned_agent,''), COALESCE(error_message,''), result, metadata, created_at, updated_at, started_at, completed_at`

// jobOrder keeps listings stable under equal priority.
const jobOrder = ` ORDER BY priority DESC, created_at ASC, id ASC`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var resultRaw, metaRaw []byte
	err := row.Scan(&j.ID, &j.OrgID, &j.AppVersionID, &j.TestPath, &j.Target, &j.Priority, &j.Status, &j.RetryCount,
		&j.AssignedAgent, &j.ErrorMessage, &resultRaw, &metaRaw, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(resultRaw) > 0 {
		var res domain.TestResult
		if err := json.Unmarshal(resultRaw, &res); err != nil {
			return domain.Job{}, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &res
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &j.Metadata); err != nil {
			return domain.Job{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return j, nil
}

// Create inserts a new job and returns its id (generates one if empty).
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta := []byte(`{}`)
	if j.Metadata != nil {
		var err error
		if meta, err = json.Marshal(j.Metadata); err != nil {
			return "", fmt.Errorf("op=job.create: %w", err)
		}
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, org_id, app_version_id, test_path, target, priority, status, retry_count, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, id, j.OrgID, j.AppVersionID, j.TestPath, j.Target, j.Priority, j.Status, j.RetryCount, meta, now, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns one page of jobs matching the filter plus the unpaged total.
// A non-positive limit short-circuits to an empty page with the real total.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	var where []string
	var args []any
	if f.OrgID != "" {
		args = append(args, f.OrgID)
		where = append(where, fmt.Sprintf("org_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	if f.Limit <= 0 {
		return []domain.Job{}, total, nil
	}
	q := `SELECT ` + jobColumns + ` FROM jobs` + cond + jobOrder + fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := r.Pool.Query(ctx, q, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	jobs := make([]domain.Job, 0, f.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	return jobs, total, nil
}

// ListPending returns up to limit pending jobs in scheduling order.
func (r *JobRepo) ListPending(ctx domain.Context, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListPending")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'pending'` + jobOrder + ` LIMIT $1`
	return r.queryJobs(ctx, "job.list_pending", q, limit)
}

// ListByAppVersion returns pending and queued jobs for the app version and
// target, in scheduling order.
func (r *JobRepo) ListByAppVersion(ctx domain.Context, appVersionID string, target domain.Target) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByAppVersion")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE app_version_id = $1 AND target = $2 AND status IN ('pending','queued')` + jobOrder
	return r.queryJobs(ctx, "job.list_by_app_version", q, appVersionID, target)
}

// ListFailed returns up to limit failed jobs, oldest failure first so retries
// drain in order.
func (r *JobRepo) ListFailed(ctx domain.Context, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListFailed")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'failed' ORDER BY updated_at ASC, id ASC LIMIT $1`
	return r.queryJobs(ctx, "job.list_failed", q, limit)
}

// RunningByAgent returns the jobs currently running on the agent.
func (r *JobRepo) RunningByAgent(ctx domain.Context, agentID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RunningByAgent")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE assigned_agent = $1 AND status = 'running' ORDER BY created_at ASC, id ASC`
	return r.queryJobs(ctx, "job.running_by_agent", q, agentID)
}

func (r *JobRepo) queryJobs(ctx domain.Context, op, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return jobs, nil
}

// Update applies a partial update and returns the refreshed row. Terminal
// status writes only land while the row is still non-terminal; a lost race
// comes back as domain.ErrConflict.
func (r *JobRepo) Update(ctx domain.Context, id string, u domain.JobUpdate) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)
	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}
	guard := ""
	if u.Status != nil {
		args = append(args, *u.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
		if u.Status.Terminal() {
			guard = ` AND status NOT IN ('completed','failed','cancelled')`
		}
	}
	if u.AssignedAgent != nil {
		args = append(args, *u.AssignedAgent)
		sets = append(sets, fmt.Sprintf("assigned_agent = $%d", len(args)))
	}
	if u.ErrorMessage != nil {
		args = append(args, *u.ErrorMessage)
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	} else if u.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if u.Result != nil {
		raw, err := json.Marshal(u.Result)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
		}
		args = append(args, raw)
		sets = append(sets, fmt.Sprintf("result = $%d", len(args)))
	}
	if u.RetryCount != nil {
		args = append(args, *u.RetryCount)
		sets = append(sets, fmt.Sprintf("retry_count = $%d", len(args)))
	}
	if u.StartedAt != nil {
		args = append(args, *u.StartedAt)
		sets = append(sets, fmt.Sprintf("started_at = $%d", len(args)))
	}
	if u.CompletedAt != nil {
		args = append(args, *u.CompletedAt)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1` + guard + ` RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, args...))
	if err == nil {
		return j, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the row is gone or the terminal guard rejected the write.
		if _, gerr := r.Get(ctx, id); gerr == nil {
			return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
}

// QueuePendingByKey moves every pending job under the group key to queued.
// The status predicate keeps the move from stomping a concurrent cancel.
func (r *JobRepo) QueuePendingByKey(ctx domain.Context, k domain.GroupKey) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.QueuePendingByKey")
	defer span.End()
	q := `UPDATE jobs SET status = 'queued', updated_at = $4 WHERE org_id = $1 AND app_version_id = $2 AND target = $3 AND status = 'pending'`
	tag, err := r.Pool.Exec(ctx, q, k.OrgID, k.AppVersionID, k.Target, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.queue_pending: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AssignQueued stamps the agent onto every queued job under the group key.
func (r *JobRepo) AssignQueued(ctx domain.Context, k domain.GroupKey, agentID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AssignQueued")
	defer span.End()
	q := `UPDATE jobs SET assigned_agent = $4, updated_at = $5 WHERE org_id = $1 AND app_version_id = $2 AND target = $3 AND status = 'queued'`
	tag, err := r.Pool.Exec(ctx, q, k.OrgID, k.AppVersionID, k.Target, agentID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.assign_queued: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PromoteFailed re-opens one failed job for retry. The WHERE clause is the
// whole contract: the row must still be failed and still have retry budget,
// so concurrent monitors, cancels and manual re-runs cannot double-promote.
func (r *JobRepo) PromoteFailed(ctx domain.Context, id string, maxRetries int) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PromoteFailed")
	defer span.End()
	q := `UPDATE jobs SET status = 'pending', retry_count = retry_count + 1, error_message = NULL, updated_at = $3 WHERE id = $1 AND status = 'failed' AND retry_count < $2`
	tag, err := r.Pool.Exec(ctx, q, id, maxRetries, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.promote_failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountNonTerminalByKey counts live jobs under the group key.
func (r *JobRepo) CountNonTerminalByKey(ctx domain.Context, k domain.GroupKey) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountNonTerminalByKey")
	defer span.End()
	q := `SELECT count(*) FROM jobs WHERE org_id = $1 AND app_version_id = $2 AND target = $3 AND status NOT IN ('completed','failed','cancelled')`
	var n int
	if err := r.Pool.QueryRow(ctx, q, k.OrgID, k.AppVersionID, k.Target).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_non_terminal: %w", err)
	}
	return n, nil
}
