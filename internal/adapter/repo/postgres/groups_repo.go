package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// GroupRepo persists and loads job groups from PostgreSQL.
type GroupRepo struct{ Pool PgxPool }

// NewGroupRepo constructs a GroupRepo with the given pool.
func NewGroupRepo(p PgxPool) *GroupRepo { return &GroupRepo{Pool: p} }

const groupColumns = `id, org_id, app_version_id, target, status, COALESCE(assigned_agent,''), job_count, created_at, updated_at, started_at, completed_at`

func scanGroup(row pgx.Row) (domain.Group, error) {
	var g domain.Group
	err := row.Scan(&g.ID, &g.OrgID, &g.AppVersionID, &g.Target, &g.Status, &g.AssignedAgent, &g.JobCount,
		&g.CreatedAt, &g.UpdatedAt, &g.StartedAt, &g.CompletedAt)
	if err != nil {
		return domain.Group{}, err
	}
	return g, nil
}

// Create inserts a new group and returns its id. The partial unique index on
// (org_id, app_version_id, target) rejects a second non-completed group per key.
func (r *GroupRepo) Create(ctx domain.Context, g domain.Group) (string, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.Create")
	defer span.End()
	id := g.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO job_groups (id, org_id, app_version_id, target, status, job_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, g.OrgID, g.AppVersionID, g.Target, g.Status, g.JobCount, now, now)
	if err != nil {
		return "", fmt.Errorf("op=group.create: %w", err)
	}
	return id, nil
}

// Get loads a group by id.
func (r *GroupRepo) Get(ctx domain.Context, id string) (domain.Group, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.Get")
	defer span.End()
	g, err := scanGroup(r.Pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM job_groups WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Group{}, fmt.Errorf("op=group.get: %w", domain.ErrNotFound)
		}
		return domain.Group{}, fmt.Errorf("op=group.get: %w", err)
	}
	return g, nil
}

// ActiveByKey loads the non-completed group for the key, if one exists.
func (r *GroupRepo) ActiveByKey(ctx domain.Context, k domain.GroupKey) (domain.Group, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.ActiveByKey")
	defer span.End()
	q := `SELECT ` + groupColumns + ` FROM job_groups WHERE org_id = $1 AND app_version_id = $2 AND target = $3 AND status != 'completed' LIMIT 1`
	g, err := scanGroup(r.Pool.QueryRow(ctx, q, k.OrgID, k.AppVersionID, k.Target))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Group{}, fmt.Errorf("op=group.active_by_key: %w", domain.ErrNotFound)
		}
		return domain.Group{}, fmt.Errorf("op=group.active_by_key: %w", err)
	}
	return g, nil
}

// ListActive returns up to limit non-completed groups, oldest first.
// ListActive returns non-completed groups, oldest first. A non-positive
// limit returns them all.
func (r *GroupRepo) ListActive(ctx domain.Context, limit int) ([]domain.Group, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.ListActive")
	defer span.End()
	q := `SELECT ` + groupColumns + ` FROM job_groups WHERE status != 'completed' ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=group.list_active: %w", err)
	}
	defer rows.Close()
	var groups []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("op=group.list_active: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=group.list_active: %w", err)
	}
	return groups, nil
}

// Update applies a partial update and returns the refreshed row. Completing a
// group only lands while it is still active; a lost race is ErrConflict.
func (r *GroupRepo) Update(ctx domain.Context, id string, u domain.GroupUpdate) (domain.Group, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.Update")
	defer span.End()
	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}
	guard := ""
	if u.Status != nil {
		args = append(args, *u.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
		if u.Status.Terminal() {
			guard = ` AND status != 'completed'`
		}
	}
	if u.AssignedAgent != nil {
		args = append(args, *u.AssignedAgent)
		sets = append(sets, fmt.Sprintf("assigned_agent = $%d", len(args)))
	}
	if u.JobCount != nil {
		args = append(args, *u.JobCount)
		sets = append(sets, fmt.Sprintf("job_count = $%d", len(args)))
	}
	if u.StartedAt != nil {
		args = append(args, *u.StartedAt)
		sets = append(sets, fmt.Sprintf("started_at = $%d", len(args)))
	}
	if u.CompletedAt != nil {
		args = append(args, *u.CompletedAt)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	q := `UPDATE job_groups SET ` + strings.Join(sets, ", ") + ` WHERE id = $1` + guard + ` RETURNING ` + groupColumns
	g, err := scanGroup(r.Pool.QueryRow(ctx, q, args...))
	if err == nil {
		return g, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := r.Get(ctx, id); gerr == nil {
			return domain.Group{}, fmt.Errorf("op=group.update: %w", domain.ErrConflict)
		}
		return domain.Group{}, fmt.Errorf("op=group.update: %w", domain.ErrNotFound)
	}
	return domain.Group{}, fmt.Errorf("op=group.update: %w", err)
}
