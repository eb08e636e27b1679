package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// newBrokerForTest backs the engines with a real broker over miniredis so
// queue ordering, TTL keys and locks behave like production.
func newBrokerForTest(t *testing.T) *redisq.Broker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	b := redisq.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		_ = b.Close()
		mr.Close()
	})
	return b
}

type memJobs struct {
	jobs []domain.Job
	seq  int

	listPendingErr error
}

func (r *memJobs) add(j domain.Job) domain.Job {
	if j.ID == "" {
		r.seq++
		j.ID = fmt.Sprintf("job-%d", r.seq)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.UpdatedAt = j.CreatedAt
	r.jobs = append(r.jobs, j)
	return j
}

func (r *memJobs) find(id string) *domain.Job {
	for i := range r.jobs {
		if r.jobs[i].ID == id {
			return &r.jobs[i]
		}
	}
	return nil
}

func (r *memJobs) Create(_ context.Context, j domain.Job) (string, error) {
	return r.add(j).ID, nil
}

func (r *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	if j := r.find(id); j != nil {
		return *j, nil
	}
	return domain.Job{}, domain.ErrNotFound
}

func (r *memJobs) List(context.Context, domain.JobFilter) ([]domain.Job, int, error) {
	return nil, 0, nil
}

func (r *memJobs) ListPending(_ context.Context, limit int) ([]domain.Job, error) {
	if r.listPendingErr != nil {
		return nil, r.listPendingErr
	}
	var out []domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.JobPending {
			out = append(out, j)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memJobs) ListByAppVersion(_ context.Context, appVersionID string, target domain.Target) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range r.jobs {
		if j.AppVersionID == appVersionID && j.Target == target &&
			(j.Status == domain.JobPending || j.Status == domain.JobQueued) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobs) ListFailed(_ context.Context, limit int) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.JobFailed {
			out = append(out, j)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memJobs) RunningByAgent(_ context.Context, agentID string) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.JobRunning && j.AssignedAgent == agentID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobs) Update(_ context.Context, id string, u domain.JobUpdate) (domain.Job, error) {
	j := r.find(id)
	if j == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	if u.Status != nil && u.Status.Terminal() && j.Status.Terminal() {
		return domain.Job{}, domain.ErrConflict
	}
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.AssignedAgent != nil {
		j.AssignedAgent = *u.AssignedAgent
	}
	if u.ClearError {
		j.ErrorMessage = ""
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.RetryCount != nil {
		j.RetryCount = *u.RetryCount
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
	j.UpdatedAt = time.Now().UTC()
	return *j, nil
}

func (r *memJobs) QueuePendingByKey(_ context.Context, k domain.GroupKey) (int, error) {
	n := 0
	for i := range r.jobs {
		if r.jobs[i].Key() == k && r.jobs[i].Status == domain.JobPending {
			r.jobs[i].Status = domain.JobQueued
			r.jobs[i].UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (r *memJobs) AssignQueued(_ context.Context, k domain.GroupKey, agentID string) (int, error) {
	n := 0
	for i := range r.jobs {
		if r.jobs[i].Key() == k && r.jobs[i].Status == domain.JobQueued {
			r.jobs[i].AssignedAgent = agentID
			n++
		}
	}
	return n, nil
}

func (r *memJobs) PromoteFailed(_ context.Context, id string, maxRetries int) (bool, error) {
	j := r.find(id)
	if j == nil || j.Status != domain.JobFailed || j.RetryCount >= maxRetries {
		return false, nil
	}
	j.Status = domain.JobPending
	j.RetryCount++
	j.ErrorMessage = ""
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *memJobs) CountNonTerminalByKey(_ context.Context, k domain.GroupKey) (int, error) {
	n := 0
	for _, j := range r.jobs {
		if j.Key() == k && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

type memGroups struct {
	groups []domain.Group
	seq    int
}

func (r *memGroups) add(g domain.Group) domain.Group {
	if g.ID == "" {
		r.seq++
		g.ID = fmt.Sprintf("grp-%d", r.seq)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	r.groups = append(r.groups, g)
	return g
}

func (r *memGroups) find(id string) *domain.Group {
	for i := range r.groups {
		if r.groups[i].ID == id {
			return &r.groups[i]
		}
	}
	return nil
}

func (r *memGroups) Create(_ context.Context, g domain.Group) (string, error) {
	for _, existing := range r.groups {
		if existing.Key() == g.Key() && existing.Status != domain.GroupCompleted {
			return "", domain.ErrConflict
		}
	}
	if g.Status == "" {
		g.Status = domain.GroupPending
	}
	return r.add(g).ID, nil
}

func (r *memGroups) Get(_ context.Context, id string) (domain.Group, error) {
	if g := r.find(id); g != nil {
		return *g, nil
	}
	return domain.Group{}, domain.ErrNotFound
}

func (r *memGroups) ActiveByKey(_ context.Context, k domain.GroupKey) (domain.Group, error) {
	for _, g := range r.groups {
		if g.Key() == k && g.Status != domain.GroupCompleted {
			return g, nil
		}
	}
	return domain.Group{}, domain.ErrNotFound
}

func (r *memGroups) ListActive(_ context.Context, limit int) ([]domain.Group, error) {
	var out []domain.Group
	for _, g := range r.groups {
		if g.Status != domain.GroupCompleted {
			out = append(out, g)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memGroups) Update(_ context.Context, id string, u domain.GroupUpdate) (domain.Group, error) {
	g := r.find(id)
	if g == nil {
		return domain.Group{}, domain.ErrNotFound
	}
	if u.Status != nil && *u.Status == domain.GroupCompleted && g.Status == domain.GroupCompleted {
		return domain.Group{}, domain.ErrConflict
	}
	if u.Status != nil {
		g.Status = *u.Status
	}
	if u.AssignedAgent != nil {
		g.AssignedAgent = *u.AssignedAgent
	}
	if u.JobCount != nil {
		g.JobCount = *u.JobCount
	}
	if u.StartedAt != nil {
		g.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		g.CompletedAt = u.CompletedAt
	}
	g.UpdatedAt = time.Now().UTC()
	return *g, nil
}

type memAgents struct {
	agents []domain.Agent
}

func (r *memAgents) add(a domain.Agent) domain.Agent {
	if a.MaxConcurrentJobs == 0 {
		a.MaxConcurrentJobs = domain.DefaultMaxConcurrentJobs
	}
	if a.CurrentJobs == nil {
		a.CurrentJobs = []string{}
	}
	r.agents = append(r.agents, a)
	return a
}

func (r *memAgents) find(id string) *domain.Agent {
	for i := range r.agents {
		if r.agents[i].ID == id {
			return &r.agents[i]
		}
	}
	return nil
}

func (r *memAgents) Upsert(_ context.Context, a domain.Agent) (string, error) {
	r.add(a)
	return a.ID, nil
}

func (r *memAgents) Get(_ context.Context, id string) (domain.Agent, error) {
	if a := r.find(id); a != nil {
		return *a, nil
	}
	return domain.Agent{}, domain.ErrNotFound
}

func (r *memAgents) List(_ context.Context) ([]domain.Agent, error) {
	return append([]domain.Agent{}, r.agents...), nil
}

func (r *memAgents) Available(_ context.Context, target domain.Target) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range r.agents {
		if a.DispatchEligible(target) {
			out = append(out, a)
		}
	}
	// Least-loaded first, ties by id, matching the store's ordering.
	for i := 1; i < len(out); i++ {
		for k := i; k > 0; k-- {
			less := len(out[k].CurrentJobs) < len(out[k-1].CurrentJobs) ||
				(len(out[k].CurrentJobs) == len(out[k-1].CurrentJobs) && out[k].ID < out[k-1].ID)
			if !less {
				break
			}
			out[k], out[k-1] = out[k-1], out[k]
		}
	}
	return out, nil
}

func (r *memAgents) Update(_ context.Context, id string, u domain.AgentUpdate) (domain.Agent, error) {
	a := r.find(id)
	if a == nil {
		return domain.Agent{}, domain.ErrNotFound
	}
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.CurrentJobs != nil {
		jobs := *u.CurrentJobs
		if jobs == nil {
			jobs = []string{}
		}
		a.CurrentJobs = jobs
	}
	if u.LastHeartbeat != nil {
		a.LastHeartbeat = *u.LastHeartbeat
	}
	if u.MaxConcurrentJobs != nil {
		a.MaxConcurrentJobs = *u.MaxConcurrentJobs
	}
	a.UpdatedAt = time.Now().UTC()
	return *a, nil
}

func (r *memAgents) SilentSince(_ context.Context, cutoff time.Time) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range r.agents {
		if (a.Status == domain.AgentOnline || a.Status == domain.AgentBusy) && a.LastHeartbeat.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

type pubRecorder struct {
	records []struct {
		channel string
		payload any
	}
}

func (p *pubRecorder) Publish(_ context.Context, channel string, payload any) error {
	p.records = append(p.records, struct {
		channel string
		payload any
	}{channel, payload})
	return nil
}

// sinkRecorder is mutex-guarded because the event bridge delivers from
// subscriber goroutines.
type sinkRecorder struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
	err    error
}

func (s *sinkRecorder) Emit(_ context.Context, ev domain.LifecycleEvent) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) snapshot() []domain.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LifecycleEvent{}, s.events...)
}
