package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// AgentService manages the agent fleet: registration, heartbeats and the
// orphan detection that runs on every heartbeat. Lifecycle is the job-side
// service; orphaned jobs are failed through the same transition path agents
// use, so notifications and group completion come along for free.
type AgentService struct {
	Agents    domain.AgentRepository
	Jobs      domain.JobRepository
	Groups    domain.GroupRepository
	Lifecycle JobService
}

// NewAgentService constructs an AgentService with its dependencies.
func NewAgentService(a domain.AgentRepository, j domain.JobRepository, g domain.GroupRepository, lifecycle JobService) AgentService {
	return AgentService{Agents: a, Jobs: j, Groups: g, Lifecycle: lifecycle}
}

// RegisterAgentInput carries a registration request. An empty ID asks the
// store to mint one; MaxConcurrentJobs zero takes the default.
type RegisterAgentInput struct {
	ID                string
	Name              string
	Capabilities      []domain.Capability
	MaxConcurrentJobs int
}

// Register upserts an agent. Re-registration resets the agent to offline
// with an empty slot list; the first heartbeat brings it online.
func (s AgentService) Register(ctx domain.Context, in RegisterAgentInput) (domain.Agent, error) {
	for _, c := range in.Capabilities {
		if !c.Target.Known() {
			return domain.Agent{}, fmt.Errorf("%w: unknown capability target %q", domain.ErrInvalidArgument, c.Target)
		}
	}
	if in.MaxConcurrentJobs < 0 {
		return domain.Agent{}, fmt.Errorf("%w: max_concurrent_jobs must not be negative", domain.ErrInvalidArgument)
	}
	id, err := s.Agents.Upsert(ctx, domain.Agent{
		ID:                in.ID,
		Name:              in.Name,
		Capabilities:      in.Capabilities,
		MaxConcurrentJobs: in.MaxConcurrentJobs,
	})
	if err != nil {
		return domain.Agent{}, upstream(err)
	}
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return domain.Agent{}, upstream(err)
	}
	slog.Info("agent registered", slog.String("agent_id", id), slog.String("name", in.Name), slog.Int("capabilities", len(in.Capabilities)))
	return a, nil
}

// HeartbeatInput is the agent's periodic self-report. CurrentJobs is the
// authoritative list of work the agent still holds; the server's view is
// replaced, not merged.
type HeartbeatInput struct {
	Status      domain.AgentStatus
	CurrentJobs []string
}

// Heartbeat refreshes the agent's liveness and reconciles its running jobs
// against the reported list. Running jobs the agent no longer acknowledges
// are failed as orphans so the retry monitor can recover them.
func (s AgentService) Heartbeat(ctx domain.Context, agentID string, in HeartbeatInput) (domain.Agent, error) {
	if !in.Status.Known() {
		return domain.Agent{}, fmt.Errorf("%w: unknown agent status %q", domain.ErrInvalidArgument, in.Status)
	}
	now := time.Now().UTC()
	status := in.Status
	reported := in.CurrentJobs
	if reported == nil {
		reported = []string{}
	}
	updated, err := s.Agents.Update(ctx, agentID, domain.AgentUpdate{
		Status:        &status,
		CurrentJobs:   &reported,
		LastHeartbeat: &now,
	})
	if err != nil {
		return domain.Agent{}, upstream(err)
	}
	if n := s.sweepOrphans(ctx, agentID, reported); n > 0 {
		slog.Warn("orphaned jobs failed", slog.String("agent_id", agentID), slog.Int("count", n))
	}
	return updated, nil
}

// Get returns one agent.
func (s AgentService) Get(ctx domain.Context, id string) (domain.Agent, error) {
	a, err := s.Agents.Get(ctx, id)
	if err != nil {
		return domain.Agent{}, upstream(err)
	}
	return a, nil
}

// List returns the whole fleet.
func (s AgentService) List(ctx domain.Context) ([]domain.Agent, error) {
	agents, err := s.Agents.List(ctx)
	if err != nil {
		return nil, upstream(err)
	}
	return agents, nil
}

// MarkLost takes a silent agent offline, clears its slots and fails all of
// its running jobs. Called by the liveness sweep; returns how many jobs were
// orphaned.
func (s AgentService) MarkLost(ctx domain.Context, agentID string) (int, error) {
	offline := domain.AgentOffline
	empty := []string{}
	if _, err := s.Agents.Update(ctx, agentID, domain.AgentUpdate{Status: &offline, CurrentJobs: &empty}); err != nil {
		return 0, upstream(err)
	}
	n := s.sweepOrphans(ctx, agentID, nil)
	slog.Warn("agent marked lost", slog.String("agent_id", agentID), slog.Int("orphaned_jobs", n))
	return n, nil
}

// sweepOrphans fails every running job of the agent that the reported list
// no longer covers. The list carries the group ids the dispatcher handed
// out, and agents may also echo individual job ids; a job survives if either
// its own id or its covering group's id is present. Failing goes through
// UpdateStatus so duplicate sweeps land on the terminal guard and stay
// idempotent.
func (s AgentService) sweepOrphans(ctx domain.Context, agentID string, reported []string) int {
	running, err := s.Jobs.RunningByAgent(ctx, agentID)
	if err != nil {
		slog.Error("orphan sweep: list running jobs", slog.String("agent_id", agentID), slog.Any("error", err))
		return 0
	}
	have := make(map[string]bool, len(reported))
	for _, id := range reported {
		have[id] = true
	}
	coveringGroup := make(map[domain.GroupKey]string)
	failed := 0
	for _, j := range running {
		if have[j.ID] {
			continue
		}
		gid, cached := coveringGroup[j.Key()]
		if !cached {
			g, err := s.Groups.ActiveByKey(ctx, j.Key())
			switch {
			case err == nil:
				gid = g.ID
			case errors.Is(err, domain.ErrNotFound):
				gid = ""
			default:
				slog.Error("orphan sweep: group lookup", slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
			coveringGroup[j.Key()] = gid
		}
		if gid != "" && have[gid] {
			continue
		}
		if _, err := s.Lifecycle.UpdateStatus(ctx, j.ID, domain.JobFailed, domain.ErrMsgConnectionLost, nil); err != nil {
			// A concurrent result report or second sweep already ended the job.
			if !errors.Is(err, domain.ErrAlreadyTerminal) && !errors.Is(err, domain.ErrConflict) {
				slog.Error("orphan sweep: fail job", slog.String("job_id", j.ID), slog.Any("error", err))
			}
			continue
		}
		failed++
	}
	return failed
}
