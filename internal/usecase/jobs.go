// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// JobService owns the job lifecycle: submission, status transitions, cancel,
// and the group bookkeeping that hangs off terminal transitions.
type JobService struct {
	Jobs   domain.JobRepository
	Groups domain.GroupRepository
	Agents domain.AgentRepository
	Pub    domain.Publisher
	Keys   domain.KeyStore
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(j domain.JobRepository, g domain.GroupRepository, a domain.AgentRepository, p domain.Publisher, k domain.KeyStore) JobService {
	return JobService{Jobs: j, Groups: g, Agents: a, Pub: p, Keys: k}
}

// SubmitJobInput is one submission item. A nil Priority takes the default;
// an explicit value must sit inside [MinPriority..MaxPriority].
type SubmitJobInput struct {
	OrgID        string
	AppVersionID string
	TestPath     string
	Target       domain.Target
	Priority     *int
	Metadata     map[string]any
}

func (in SubmitJobInput) toJob() (domain.Job, error) {
	if in.OrgID == "" || in.AppVersionID == "" || in.TestPath == "" {
		return domain.Job{}, fmt.Errorf("%w: org_id, app_version_id and test_path are required", domain.ErrInvalidArgument)
	}
	if !in.Target.Known() {
		return domain.Job{}, fmt.Errorf("%w: unknown target %q", domain.ErrInvalidArgument, in.Target)
	}
	priority := domain.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
		if priority < domain.MinPriority || priority > domain.MaxPriority {
			return domain.Job{}, fmt.Errorf("%w: priority %d outside [%d..%d]", domain.ErrInvalidArgument, priority, domain.MinPriority, domain.MaxPriority)
		}
	}
	return domain.Job{
		OrgID:        in.OrgID,
		AppVersionID: in.AppVersionID,
		TestPath:     in.TestPath,
		Target:       in.Target,
		Priority:     priority,
		Status:       domain.JobPending,
		Metadata:     in.Metadata,
	}, nil
}

// Submit validates and persists one job. The scheduler picks it up on its
// next tick; nothing is enqueued here.
func (s JobService) Submit(ctx domain.Context, in SubmitJobInput) (domain.Job, error) {
	j, err := in.toJob()
	if err != nil {
		return domain.Job{}, err
	}
	id, err := s.Jobs.Create(ctx, j)
	if err != nil {
		return domain.Job{}, upstream(err)
	}
	created, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, upstream(err)
	}
	s.publish(ctx, domain.ChannelJobStatusUpdated, domain.StatusUpdateEvent{JobID: id, NewStatus: domain.JobPending, Timestamp: created.CreatedAt})
	slog.Info("job submitted", slog.String("job_id", id), slog.String("org_id", in.OrgID), slog.String("target", string(in.Target)), slog.Int("priority", created.Priority))
	return created, nil
}

// SubmitBatch validates every item before creating any; one bad item rejects
// the whole batch. Creation is sequential and non-transactional, so a store
// failure midway leaves the earlier jobs in place.
func (s JobService) SubmitBatch(ctx domain.Context, ins []SubmitJobInput) ([]string, error) {
	if len(ins) == 0 {
		return nil, fmt.Errorf("%w: empty batch", domain.ErrInvalidArgument)
	}
	jobs := make([]domain.Job, 0, len(ins))
	for i, in := range ins {
		j, err := in.toJob()
		if err != nil {
			return nil, fmt.Errorf("%w (item %d)", err, i)
		}
		jobs = append(jobs, j)
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		id, err := s.Jobs.Create(ctx, j)
		if err != nil {
			return nil, upstream(err)
		}
		ids = append(ids, id)
		s.publish(ctx, domain.ChannelJobStatusUpdated, domain.StatusUpdateEvent{JobID: id, NewStatus: domain.JobPending, Timestamp: time.Now().UTC()})
	}
	slog.Info("job batch submitted", slog.Int("count", len(ids)))
	return ids, nil
}

// Get returns one job.
func (s JobService) Get(ctx domain.Context, id string) (domain.Job, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, upstream(err)
	}
	return j, nil
}

// maxListLimit caps one page; larger requests are clamped, not rejected.
const maxListLimit = 200

// List returns a page plus the unpaged total. Limit zero is a valid request
// for the total alone and yields an empty page.
func (s JobService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative limit or offset", domain.ErrInvalidArgument)
	}
	if f.Status != "" && !f.Status.Known() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, f.Status)
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	jobs, total, err := s.Jobs.List(ctx, f)
	if err != nil {
		return nil, 0, upstream(err)
	}
	return jobs, total, nil
}

// UpdateStatus applies one lifecycle transition reported by an agent (or an
// operator) and fans out the side effects: timestamps, result storage,
// channel notifications, and group completion when the last live job of a
// key drains. Re-asserting the current non-terminal status is a no-op update
// so duplicate agent reports stay safe.
func (s JobService) UpdateStatus(ctx domain.Context, id string, next domain.JobStatus, errorMsg string, result *domain.TestResult) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, upstream(err)
	}
	if job.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", domain.ErrAlreadyTerminal, id, job.Status)
	}
	if !next.Known() {
		return domain.Job{}, fmt.Errorf("%w: unknown status %q", domain.ErrIllegalTransition, next)
	}
	if !job.Status.CanTransitionTo(next) {
		return domain.Job{}, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, job.Status, next)
	}

	now := time.Now().UTC()
	u := domain.JobUpdate{Status: &next}
	if next == domain.JobRunning && job.StartedAt == nil {
		u.StartedAt = &now
	}
	if next.Terminal() {
		u.CompletedAt = &now
	}
	if next == domain.JobPending && job.Status == domain.JobFailed {
		// Manual re-run of a failed job; the retry monitor owns retry_count.
		u.ClearError = true
	}
	if errorMsg != "" {
		u.ErrorMessage = &errorMsg
	}
	if result != nil {
		u.Result = result
	}
	updated, err := s.Jobs.Update(ctx, id, u)
	if err != nil {
		return domain.Job{}, upstream(err)
	}

	s.publish(ctx, domain.ChannelJobStatusUpdated, domain.StatusUpdateEvent{JobID: id, NewStatus: next, Timestamp: now})
	if next == domain.JobCompleted || next == domain.JobFailed {
		ev := domain.CompletionEvent{JobID: id, Status: next, Success: next == domain.JobCompleted}
		switch {
		case result != nil:
			ev.DurationMS = result.DurationMS
		case updated.StartedAt != nil && updated.CompletedAt != nil:
			ev.DurationMS = updated.CompletedAt.Sub(*updated.StartedAt).Milliseconds()
		}
		s.publish(ctx, domain.ChannelJobCompleted, ev)
	}

	switch {
	case next == domain.JobRunning:
		s.markGroupRunning(ctx, updated)
	case next.Terminal():
		s.completeGroupIfDrained(ctx, updated)
	}
	slog.Info("job status updated", slog.String("job_id", id), slog.String("from", string(job.Status)), slog.String("to", string(next)))
	return updated, nil
}

// Cancel moves a non-terminal job to cancelled and notifies its agent when
// the job was already running there.
func (s JobService) Cancel(ctx domain.Context, id, reason string) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, upstream(err)
	}
	if job.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", domain.ErrAlreadyTerminal, id, job.Status)
	}
	if reason == "" {
		reason = domain.DefaultCancelReason
	}

	now := time.Now().UTC()
	cancelled := domain.JobCancelled
	updated, err := s.Jobs.Update(ctx, id, domain.JobUpdate{Status: &cancelled, ErrorMessage: &reason, CompletedAt: &now})
	if err != nil {
		return domain.Job{}, upstream(err)
	}

	s.publish(ctx, domain.ChannelJobStatusUpdated, domain.StatusUpdateEvent{JobID: id, NewStatus: cancelled, Timestamp: now})
	if job.Status == domain.JobRunning && updated.AssignedAgent != "" {
		s.publish(ctx, domain.AgentCancelChannel(updated.AssignedAgent), domain.CancelNotice{JobID: id, Reason: reason})
	}
	s.completeGroupIfDrained(ctx, updated)
	slog.Info("job cancelled", slog.String("job_id", id), slog.String("reason", reason))
	return updated, nil
}

// JobMetrics is the per-job timing view. DurationMS is present only once the
// job has both started and completed; QueueTimeMS measures submission to
// start, against now for jobs still waiting.
type JobMetrics struct {
	ID          string             `json:"id"`
	Status      domain.JobStatus   `json:"status"`
	Priority    int                `json:"priority"`
	RetryCount  int                `json:"retry_count"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMS  *int64             `json:"duration_ms"`
	QueueTimeMS int64              `json:"queue_time_ms"`
	Result      *domain.TestResult `json:"result,omitempty"`
}

// Metrics derives the timing view for one job.
func (s JobService) Metrics(ctx domain.Context, id string) (JobMetrics, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobMetrics{}, upstream(err)
	}
	m := JobMetrics{
		ID:          job.ID,
		Status:      job.Status,
		Priority:    job.Priority,
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Result:      job.Result,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		d := job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
		m.DurationMS = &d
	}
	queuedUntil := time.Now().UTC()
	if job.StartedAt != nil {
		queuedUntil = *job.StartedAt
	}
	m.QueueTimeMS = queuedUntil.Sub(job.CreatedAt).Milliseconds()
	return m, nil
}

// markGroupRunning moves the covering group from assigned to running when its
// first job starts. Best effort: group state converges from job state, so
// failures here are logged, not surfaced.
func (s JobService) markGroupRunning(ctx domain.Context, job domain.Job) {
	g, err := s.Groups.ActiveByKey(ctx, job.Key())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("group lookup failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		return
	}
	if g.Status != domain.GroupAssigned {
		return
	}
	running := domain.GroupRunning
	if _, err := s.Groups.Update(ctx, g.ID, domain.GroupUpdate{Status: &running}); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Warn("group running transition failed", slog.String("group_id", g.ID), slog.Any("error", err))
	}
}

// completeGroupIfDrained completes the covering group once no live jobs
// remain under its key, drops the key registration so the scheduler can open
// a fresh group, and releases the agent's slot. Races with concurrent
// completions are benign: the store's completion guard lets one writer win.
func (s JobService) completeGroupIfDrained(ctx domain.Context, job domain.Job) {
	g, err := s.Groups.ActiveByKey(ctx, job.Key())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("group lookup failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		return
	}
	live, err := s.Jobs.CountNonTerminalByKey(ctx, job.Key())
	if err != nil {
		slog.Warn("group drain count failed", slog.String("group_id", g.ID), slog.Any("error", err))
		return
	}
	if live > 0 {
		return
	}
	now := time.Now().UTC()
	completed := domain.GroupCompleted
	if _, err := s.Groups.Update(ctx, g.ID, domain.GroupUpdate{Status: &completed, CompletedAt: &now}); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.Warn("group completion failed", slog.String("group_id", g.ID), slog.Any("error", err))
		}
		return
	}
	if s.Keys != nil {
		if err := s.Keys.Delete(ctx, job.Key().BrokerKey()); err != nil {
			slog.Warn("group key delete failed", slog.String("group_id", g.ID), slog.Any("error", err))
		}
	}
	if g.AssignedAgent != "" {
		s.releaseAgentSlot(ctx, g.AssignedAgent, g.ID)
	}
	slog.Info("group completed", slog.String("group_id", g.ID), slog.String("org_id", g.OrgID), slog.String("app_version_id", g.AppVersionID))
}

// releaseAgentSlot drops the finished group from the agent's in-flight list.
// The next heartbeat would clear it anyway; doing it here frees capacity for
// the dispatcher without waiting one heartbeat interval.
func (s JobService) releaseAgentSlot(ctx domain.Context, agentID, groupID string) {
	a, err := s.Agents.Get(ctx, agentID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("agent lookup failed", slog.String("agent_id", agentID), slog.Any("error", err))
		}
		return
	}
	kept := make([]string, 0, len(a.CurrentJobs))
	for _, id := range a.CurrentJobs {
		if id != groupID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(a.CurrentJobs) {
		return
	}
	if _, err := s.Agents.Update(ctx, agentID, domain.AgentUpdate{CurrentJobs: &kept}); err != nil {
		slog.Warn("agent slot release failed", slog.String("agent_id", agentID), slog.Any("error", err))
	}
}

func (s JobService) publish(ctx domain.Context, channel string, payload any) {
	if s.Pub == nil {
		return
	}
	if err := s.Pub.Publish(ctx, channel, payload); err != nil {
		slog.Warn("publish failed", slog.String("channel", channel), slog.Any("error", err))
	}
}

// upstream classifies a dependency failure. Domain sentinels pass through
// untouched; anything else is a store or broker fault and maps to
// ErrUpstream for the transport layer.
func upstream(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		domain.ErrInvalidArgument,
		domain.ErrNotFound,
		domain.ErrAlreadyTerminal,
		domain.ErrIllegalTransition,
		domain.ErrConflict,
		domain.ErrUpstream,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrUpstream, err)
}
