package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

const (
	agentLockTTL = 10 * time.Second

	// retryPenalty nudges an undispatchable descriptor under its peers so the
	// next tick tries a different one first.
	retryPenalty = 0.1
)

// Dispatcher matches scheduled groups to agents. One descriptor per tick;
// the assignment path is serialized per agent with a broker lock so replicas
// cannot over-fill the same agent.
type Dispatcher struct {
	jobs     domain.JobRepository
	groups   domain.GroupRepository
	agents   domain.AgentRepository
	queue    domain.PriorityQueue
	work     domain.WorkQueue
	locks    domain.Locker
	interval time.Duration
	lockTTL  time.Duration
}

// NewDispatcher wires a Dispatcher onto the store and broker. Non-positive
// interval and lockTTL take the defaults.
func NewDispatcher(jobs domain.JobRepository, groups domain.GroupRepository, agents domain.AgentRepository, b domain.Broker, interval, lockTTL time.Duration) *Dispatcher {
	if jobs == nil || groups == nil || agents == nil || b == nil {
		return nil
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if lockTTL <= 0 {
		lockTTL = agentLockTTL
	}
	return &Dispatcher{jobs: jobs, groups: groups, agents: agents, queue: b, work: b, locks: b, interval: interval, lockTTL: lockTTL}
}

// Run ticks until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	if d == nil {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.dispatchOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	tracer := otel.Tracer("app.dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatcher.dispatchOnce")
	defer span.End()

	member, score, ok, err := d.queue.PopMax(ctx, domain.SchedulingQueue)
	if err != nil {
		span.RecordError(err)
		observability.TickFailed("dispatcher")
		slog.Error("dispatcher: pop scheduling queue", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}

	var desc domain.GroupDescriptor
	if err := json.Unmarshal([]byte(member), &desc); err != nil {
		slog.Error("dispatcher: malformed descriptor dropped", slog.Any("error", err))
		return
	}
	span.SetAttributes(
		attribute.String("group.id", desc.GroupID),
		attribute.String("group.target", string(desc.Target)),
		attribute.Float64("group.score", score),
	)

	g, err := d.groups.Get(ctx, desc.GroupID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Debug("dispatcher: descriptor for vanished group dropped", slog.String("group_id", desc.GroupID))
			return
		}
		// Store blip; put the descriptor back untouched rather than lose it.
		d.requeue(ctx, member, score)
		slog.Error("dispatcher: load group", slog.String("group_id", desc.GroupID), slog.Any("error", err))
		return
	}
	if g.Status != domain.GroupPending {
		slog.Debug("dispatcher: group no longer pending, descriptor dropped", slog.String("group_id", g.ID), slog.String("status", string(g.Status)))
		return
	}

	candidates, err := d.agents.Available(ctx, g.Target)
	if err != nil {
		d.requeue(ctx, member, score)
		slog.Error("dispatcher: list available agents", slog.String("group_id", g.ID), slog.Any("error", err))
		return
	}
	for _, candidate := range candidates {
		if d.tryAssign(ctx, g, candidate) {
			return
		}
	}

	// No agent could take the group; retry later, slightly demoted.
	d.requeue(ctx, member, score-retryPenalty)
	slog.Debug("dispatcher: no eligible agent", slog.String("group_id", g.ID), slog.Int("candidates", len(candidates)))
}

// tryAssign hands the group to one candidate under its agent lock. Returns
// false when the candidate is no longer eligible or the lock is busy, so the
// caller moves on to the next one.
func (d *Dispatcher) tryAssign(ctx context.Context, g domain.Group, candidate domain.Agent) bool {
	tracer := otel.Tracer("app.dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatcher.tryAssign")
	defer span.End()
	span.SetAttributes(attribute.String("group.id", g.ID), attribute.String("agent.id", candidate.ID))

	lockKey := domain.AgentLockKey(candidate.ID)
	token, ok, err := d.locks.Acquire(ctx, lockKey, d.lockTTL)
	if err != nil {
		slog.Error("dispatcher: acquire agent lock", slog.String("agent_id", candidate.ID), slog.Any("error", err))
		return false
	}
	if !ok {
		return false
	}
	defer func() {
		if err := d.locks.Release(ctx, lockKey, token); err != nil {
			slog.Warn("dispatcher: release agent lock", slog.String("agent_id", candidate.ID), slog.Any("error", err))
		}
	}()

	// Re-read both sides under the lock: capacity may have filled and a
	// duplicate descriptor may have assigned the group already.
	current, err := d.groups.Get(ctx, g.ID)
	if err != nil {
		slog.Error("dispatcher: re-read group", slog.String("group_id", g.ID), slog.Any("error", err))
		return false
	}
	if current.Status != domain.GroupPending {
		// Already placed by a racing dispatcher; nothing left to do.
		return true
	}
	a, err := d.agents.Get(ctx, candidate.ID)
	if err != nil {
		slog.Error("dispatcher: re-read agent", slog.String("agent_id", candidate.ID), slog.Any("error", err))
		return false
	}
	if !a.DispatchEligible(g.Target) {
		return false
	}

	slots := append(append([]string{}, a.CurrentJobs...), g.ID)
	if _, err := d.agents.Update(ctx, a.ID, domain.AgentUpdate{CurrentJobs: &slots}); err != nil {
		slog.Error("dispatcher: reserve agent slot", slog.String("agent_id", a.ID), slog.Any("error", err))
		return false
	}

	stamped, err := d.jobs.AssignQueued(ctx, g.Key(), a.ID)
	if err != nil {
		slog.Error("dispatcher: stamp queued jobs", slog.String("group_id", g.ID), slog.Any("error", err))
		d.releaseSlot(ctx, a, g.ID)
		return false
	}

	now := time.Now().UTC()
	item := domain.WorkItem{GroupID: g.ID, Type: domain.WorkItemTypeJobGroup, AssignedAt: now}
	if err := d.work.PushWork(ctx, domain.AgentWorkQueue(a.ID), item); err != nil {
		slog.Error("dispatcher: push work item", slog.String("group_id", g.ID), slog.String("agent_id", a.ID), slog.Any("error", err))
		d.releaseSlot(ctx, a, g.ID)
		return false
	}

	assigned := domain.GroupAssigned
	agentID := a.ID
	if _, err := d.groups.Update(ctx, g.ID, domain.GroupUpdate{Status: &assigned, AssignedAgent: &agentID, StartedAt: &now}); err != nil {
		// The work item is already with the agent; job flow drains the group
		// even if this write is lost, so log and carry on.
		slog.Error("dispatcher: persist group assignment", slog.String("group_id", g.ID), slog.Any("error", err))
	}

	observability.GroupAssigned(g.CreatedAt)
	slog.Info("group dispatched",
		slog.String("group_id", g.ID),
		slog.String("agent_id", a.ID),
		slog.Int("jobs", stamped),
		slog.String("target", string(g.Target)))
	return true
}

// releaseSlot undoes a slot reservation after a failed assignment.
func (d *Dispatcher) releaseSlot(ctx context.Context, a domain.Agent, groupID string) {
	kept := make([]string, 0, len(a.CurrentJobs))
	for _, id := range a.CurrentJobs {
		if id != groupID {
			kept = append(kept, id)
		}
	}
	if _, err := d.agents.Update(ctx, a.ID, domain.AgentUpdate{CurrentJobs: &kept}); err != nil {
		slog.Warn("dispatcher: release reserved slot", slog.String("agent_id", a.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) requeue(ctx context.Context, member string, score float64) {
	observability.GroupRequeued()
	if err := d.queue.Add(ctx, domain.SchedulingQueue, member, score); err != nil {
		slog.Error("dispatcher: requeue descriptor", slog.Any("error", err))
	}
}
