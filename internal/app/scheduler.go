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
	schedulerBatch = 100
	groupKeyTTL    = time.Hour

	// Age boost: one priority step per ten minutes of queue age, capped so a
	// strictly higher declared priority is only overtaken after a bounded wait.
	ageBoostPerMinute = 0.1
	maxAgeBoost       = 5.0
)

// Scheduler coalesces pending jobs into groups and feeds the scheduling
// queue. Safe to run in multiple replicas: group creation is serialized by
// the store's single-active-group constraint and the queued transition is a
// guarded bulk move.
type Scheduler struct {
	jobs     domain.JobRepository
	groups   domain.GroupRepository
	queue    domain.PriorityQueue
	work     domain.WorkQueue
	keys     domain.KeyStore
	interval time.Duration
	batch    int
	keyTTL   time.Duration
}

// NewScheduler wires a Scheduler onto the store and broker. Non-positive
// interval, batch and keyTTL take the defaults.
func NewScheduler(jobs domain.JobRepository, groups domain.GroupRepository, b domain.Broker, interval time.Duration, batch int, keyTTL time.Duration) *Scheduler {
	if jobs == nil || groups == nil || b == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = schedulerBatch
	}
	if keyTTL <= 0 {
		keyTTL = groupKeyTTL
	}
	return &Scheduler{jobs: jobs, groups: groups, queue: b, work: b, keys: b, interval: interval, batch: batch, keyTTL: keyTTL}
}

// Run rehydrates broker state from the store, then ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil {
		return
	}

	s.rehydrate(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scheduleOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.scheduleOnce(ctx)
		}
	}
}

// rehydrate rebuilds the broker's routing state after a broker loss. The
// store is authoritative: every active group gets its key re-registered, and
// groups whose registration had vanished and which were never dispatched get
// their descriptor re-enqueued.
func (s *Scheduler) rehydrate(ctx context.Context) {
	tracer := otel.Tracer("app.scheduler")
	ctx, span := tracer.Start(ctx, "Scheduler.rehydrate")
	defer span.End()

	active, err := s.groups.ListActive(ctx, 0)
	if err != nil {
		span.RecordError(err)
		slog.Error("rehydrate: list active groups", slog.Any("error", err))
		return
	}
	requeued := 0
	for _, g := range active {
		registered, err := s.keys.SetNX(ctx, g.Key().BrokerKey(), g.ID, s.keyTTL)
		if err != nil {
			slog.Error("rehydrate: register group key", slog.String("group_id", g.ID), slog.Any("error", err))
			continue
		}
		if !registered || g.Status != domain.GroupPending {
			// Registration survived (broker state intact) or the group is
			// already with an agent; nothing to rebuild.
			continue
		}
		jobs, err := s.jobs.ListByAppVersion(ctx, g.AppVersionID, g.Target)
		if err != nil {
			slog.Error("rehydrate: list group jobs", slog.String("group_id", g.ID), slog.Any("error", err))
			continue
		}
		if err := s.enqueueDescriptor(ctx, g, jobs); err != nil {
			slog.Error("rehydrate: enqueue descriptor", slog.String("group_id", g.ID), slog.Any("error", err))
			continue
		}
		requeued++
	}
	span.SetAttributes(attribute.Int("groups.active", len(active)), attribute.Int("groups.requeued", requeued))
	if len(active) > 0 {
		slog.Info("scheduler rehydrated", slog.Int("active_groups", len(active)), slog.Int("requeued", requeued))
	}
}

func (s *Scheduler) scheduleOnce(ctx context.Context) {
	tracer := otel.Tracer("app.scheduler")
	ctx, span := tracer.Start(ctx, "Scheduler.scheduleOnce")
	defer span.End()

	defer s.observeQueueDepth(ctx)

	pending, err := s.jobs.ListPending(ctx, s.batch)
	if err != nil {
		span.RecordError(err)
		observability.TickFailed("scheduler")
		slog.Error("scheduler: list pending jobs", slog.Any("error", err))
		return
	}
	if len(pending) == 0 {
		return
	}

	partitions := make(map[domain.GroupKey][]domain.Job)
	for _, j := range pending {
		partitions[j.Key()] = append(partitions[j.Key()], j)
	}
	span.SetAttributes(attribute.Int("jobs.pending", len(pending)), attribute.Int("jobs.partitions", len(partitions)))

	for key, jobs := range partitions {
		s.schedulePartition(ctx, key, jobs)
	}
}

func (s *Scheduler) observeQueueDepth(ctx context.Context) {
	depth, err := s.queue.Length(ctx, domain.SchedulingQueue)
	if err != nil {
		return
	}
	observability.SchedulingQueueDepth.Set(float64(depth))
}

func (s *Scheduler) schedulePartition(ctx context.Context, key domain.GroupKey, jobs []domain.Job) {
	tracer := otel.Tracer("app.scheduler")
	ctx, span := tracer.Start(ctx, "Scheduler.schedulePartition")
	defer span.End()
	span.SetAttributes(
		attribute.String("group.org_id", key.OrgID),
		attribute.String("group.app_version_id", key.AppVersionID),
		attribute.String("group.target", string(key.Target)),
		attribute.Int("group.partition_size", len(jobs)),
	)

	g, isNew, err := s.ensureGroup(ctx, key, len(jobs))
	if err != nil {
		span.RecordError(err)
		slog.Error("scheduler: ensure group", slog.String("app_version_id", key.AppVersionID), slog.Any("error", err))
		return
	}

	moved, err := s.jobs.QueuePendingByKey(ctx, key)
	if err != nil {
		span.RecordError(err)
		slog.Error("scheduler: queue pending jobs", slog.String("group_id", g.ID), slog.Any("error", err))
		return
	}

	switch {
	case isNew:
		if err := s.enqueueDescriptor(ctx, g, jobs); err != nil {
			slog.Error("scheduler: enqueue descriptor", slog.String("group_id", g.ID), slog.Any("error", err))
			return
		}
	case moved > 0:
		s.absorbIntoGroup(ctx, g, moved)
	}
	slog.Info("jobs scheduled", slog.String("group_id", g.ID), slog.Int("queued", moved), slog.Bool("new_group", isNew))
}

// ensureGroup resolves the active group for a key, creating one when none
// exists. Lost creation races fall back to the winner's group.
func (s *Scheduler) ensureGroup(ctx context.Context, key domain.GroupKey, jobCount int) (domain.Group, bool, error) {
	if gid, ok, err := s.keys.Get(ctx, key.BrokerKey()); err == nil && ok {
		if g, gerr := s.groups.Get(ctx, gid); gerr == nil && g.Status != domain.GroupCompleted {
			return g, false, nil
		}
		// Stale registration pointing at a completed or vanished group.
	}

	g, err := s.groups.ActiveByKey(ctx, key)
	switch {
	case err == nil:
		s.register(ctx, key, g.ID)
		return g, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Group{}, false, err
	}

	id, err := s.groups.Create(ctx, domain.Group{
		OrgID:        key.OrgID,
		AppVersionID: key.AppVersionID,
		Target:       key.Target,
		Status:       domain.GroupPending,
		JobCount:     jobCount,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// A concurrent scheduler replica created the group first.
			g, aerr := s.groups.ActiveByKey(ctx, key)
			if aerr != nil {
				return domain.Group{}, false, aerr
			}
			s.register(ctx, key, g.ID)
			return g, false, nil
		}
		return domain.Group{}, false, err
	}
	observability.GroupScheduled()
	created, err := s.groups.Get(ctx, id)
	if err != nil {
		return domain.Group{}, false, err
	}
	s.register(ctx, key, id)
	return created, true, nil
}

func (s *Scheduler) register(ctx context.Context, key domain.GroupKey, groupID string) {
	if _, err := s.keys.SetNX(ctx, key.BrokerKey(), groupID, s.keyTTL); err != nil {
		slog.Warn("scheduler: register group key", slog.String("group_id", groupID), slog.Any("error", err))
	}
}

// absorbIntoGroup folds late arrivals into an existing group: bumps the job
// count and, when the group already sits with an agent, stamps the new jobs
// and nudges the agent with a fresh work item so it re-queries its jobs.
func (s *Scheduler) absorbIntoGroup(ctx context.Context, g domain.Group, moved int) {
	count := g.JobCount + moved
	if _, err := s.groups.Update(ctx, g.ID, domain.GroupUpdate{JobCount: &count}); err != nil {
		slog.Warn("scheduler: bump group job count", slog.String("group_id", g.ID), slog.Any("error", err))
	}
	if g.AssignedAgent == "" {
		return
	}
	if _, err := s.jobs.AssignQueued(ctx, g.Key(), g.AssignedAgent); err != nil {
		slog.Error("scheduler: stamp late jobs", slog.String("group_id", g.ID), slog.Any("error", err))
		return
	}
	item := domain.WorkItem{GroupID: g.ID, Type: domain.WorkItemTypeJobGroup, AssignedAt: time.Now().UTC()}
	if err := s.work.PushWork(ctx, domain.AgentWorkQueue(g.AssignedAgent), item); err != nil {
		slog.Error("scheduler: renotify agent", slog.String("group_id", g.ID), slog.String("agent_id", g.AssignedAgent), slog.Any("error", err))
	}
}

func (s *Scheduler) enqueueDescriptor(ctx context.Context, g domain.Group, jobs []domain.Job) error {
	now := time.Now().UTC()
	score := priorityScore(jobs, now)
	desc := domain.GroupDescriptor{
		GroupID:       g.ID,
		AppVersionID:  g.AppVersionID,
		Target:        g.Target,
		JobCount:      len(jobs),
		PriorityScore: score,
		CreatedAt:     now,
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return s.queue.Add(ctx, domain.SchedulingQueue, string(payload), score)
}

// priorityScore blends the jobs' average declared priority with the age of
// the oldest job. Monotone in both inputs; the capped boost bounds how long
// age may outrank a strictly higher declared priority.
func priorityScore(jobs []domain.Job, now time.Time) float64 {
	if len(jobs) == 0 {
		return float64(domain.DefaultPriority)
	}
	sum := 0
	oldest := jobs[0].CreatedAt
	for _, j := range jobs {
		sum += j.Priority
		if j.CreatedAt.Before(oldest) {
			oldest = j.CreatedAt
		}
	}
	avg := float64(sum) / float64(len(jobs))
	boost := now.Sub(oldest).Minutes() * ageBoostPerMinute
	if boost < 0 {
		boost = 0
	}
	if boost > maxAgeBoost {
		boost = maxAgeBoost
	}
	return avg + boost
}
