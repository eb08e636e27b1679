package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// AgentRepo persists and loads agents from PostgreSQL.
type AgentRepo struct{ Pool PgxPool }

// NewAgentRepo constructs an AgentRepo with the given pool.
func NewAgentRepo(p PgxPool) *AgentRepo { return &AgentRepo{Pool: p} }

const agentColumns = `id, name, capabilities, status, last_heartbeat, max_concurrent_jobs, current_jobs, registered_at, updated_at`

func scanAgent(row pgx.Row) (domain.Agent, error) {
	var a domain.Agent
	var capsRaw, jobsRaw []byte
	var hb *time.Time
	err := row.Scan(&a.ID, &a.Name, &capsRaw, &a.Status, &hb, &a.MaxConcurrentJobs, &jobsRaw, &a.RegisteredAt, &a.UpdatedAt)
	if err != nil {
		return domain.Agent{}, err
	}
	if hb != nil {
		a.LastHeartbeat = *hb
	}
	if len(capsRaw) > 0 {
		if err := json.Unmarshal(capsRaw, &a.Capabilities); err != nil {
			return domain.Agent{}, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if len(jobsRaw) > 0 {
		if err := json.Unmarshal(jobsRaw, &a.CurrentJobs); err != nil {
			return domain.Agent{}, fmt.Errorf("decode current_jobs: %w", err)
		}
	}
	return a, nil
}

// Upsert registers a new agent or refreshes an existing one. Registration
// always starts the agent offline with an empty job list; a heartbeat brings
// it online.
func (r *AgentRepo) Upsert(ctx domain.Context, a domain.Agent) (string, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Upsert")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxJobs := a.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = domain.DefaultMaxConcurrentJobs
	}
	caps := []byte(`[]`)
	if a.Capabilities != nil {
		var err error
		if caps, err = json.Marshal(a.Capabilities); err != nil {
			return "", fmt.Errorf("op=agent.upsert: %w", err)
		}
	}
	now := time.Now().UTC()
	q := `INSERT INTO agents (id, name, capabilities, status, max_concurrent_jobs, current_jobs, registered_at, updated_at)
VALUES ($1,$2,$3,'offline',$4,'[]'::jsonb,$5,$5)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, capabilities = EXCLUDED.capabilities,
max_concurrent_jobs = EXCLUDED.max_concurrent_jobs, status = 'offline', current_jobs = '[]'::jsonb, updated_at = EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, id, a.Name, caps, maxJobs, now)
	if err != nil {
		return "", fmt.Errorf("op=agent.upsert: %w", err)
	}
	return id, nil
}

// Get loads an agent by id.
func (r *AgentRepo) Get(ctx domain.Context, id string) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Get")
	defer span.End()
	a, err := scanAgent(r.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Agent{}, fmt.Errorf("op=agent.get: %w", domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("op=agent.get: %w", err)
	}
	return a, nil
}

// List returns all registered agents ordered by id.
func (r *AgentRepo) List(ctx domain.Context) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.List")
	defer span.End()
	return r.queryAgents(ctx, "agent.list", `SELECT `+agentColumns+` FROM agents ORDER BY id ASC`)
}

// Available returns agents that could accept work right now: online or busy,
// spare capacity, and (when target is set) a matching capability. Least
// loaded first so the dispatcher can take the head.
func (r *AgentRepo) Available(ctx domain.Context, target domain.Target) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Available")
	defer span.End()
	q := `SELECT ` + agentColumns + ` FROM agents WHERE status IN ('online','busy') AND jsonb_array_length(current_jobs) < max_concurrent_jobs`
	var args []any
	if target != "" {
		args = append(args, fmt.Sprintf(`[{"target":%q}]`, string(target)))
		q += ` AND capabilities @> $1::jsonb`
	}
	q += ` ORDER BY jsonb_array_length(current_jobs) ASC, id ASC`
	return r.queryAgents(ctx, "agent.available", q, args...)
}

// SilentSince returns online or busy agents whose last heartbeat predates the
// cutoff. Maintenance agents are left alone; that state is set deliberately.
func (r *AgentRepo) SilentSince(ctx domain.Context, cutoff time.Time) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.SilentSince")
	defer span.End()
	q := `SELECT ` + agentColumns + ` FROM agents WHERE status IN ('online','busy') AND last_heartbeat < $1`
	return r.queryAgents(ctx, "agent.silent_since", q, cutoff)
}

func (r *AgentRepo) queryAgents(ctx domain.Context, op, q string, args ...any) ([]domain.Agent, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return agents, nil
}

// Update applies a partial update and returns the refreshed row.
func (r *AgentRepo) Update(ctx domain.Context, id string, u domain.AgentUpdate) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Update")
	defer span.End()
	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}
	if u.Status != nil {
		args = append(args, *u.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if u.CurrentJobs != nil {
		jobs := *u.CurrentJobs
		if jobs == nil {
			jobs = []string{}
		}
		raw, err := json.Marshal(jobs)
		if err != nil {
			return domain.Agent{}, fmt.Errorf("op=agent.update: %w", err)
		}
		args = append(args, raw)
		sets = append(sets, fmt.Sprintf("current_jobs = $%d", len(args)))
	}
	if u.LastHeartbeat != nil {
		args = append(args, *u.LastHeartbeat)
		sets = append(sets, fmt.Sprintf("last_heartbeat = $%d", len(args)))
	}
	if u.MaxConcurrentJobs != nil {
		args = append(args, *u.MaxConcurrentJobs)
		sets = append(sets, fmt.Sprintf("max_concurrent_jobs = $%d", len(args)))
	}
	q := `UPDATE agents SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + agentColumns
	a, err := scanAgent(r.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Agent{}, fmt.Errorf("op=agent.update: %w", domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("op=agent.update: %w", err)
	}
	return a, nil
}
