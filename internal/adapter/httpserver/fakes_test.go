package httpserver_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	httpserver "github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/config"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/usecase"
)

// The handlers are exercised against real usecase services backed by these
// in-memory stores, so every test covers the full request path down to the
// repository contract.

type jobStore struct {
	jobs map[string]domain.Job
	seq  int

	getErr  error
	listErr error
}

func newJobStore() *jobStore { return &jobStore{jobs: map[string]domain.Job{}} }

func (f *jobStore) put(j domain.Job) domain.Job {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	f.jobs[j.ID] = j
	return j
}

func (f *jobStore) Create(_ domain.Context, j domain.Job) (string, error) {
	if j.ID == "" {
		f.seq++
		j.ID = fmt.Sprintf("job-%d", f.seq)
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	f.jobs[j.ID] = j
	return j.ID, nil
}

func (f *jobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	if f.getErr != nil {
		return domain.Job{}, f.getErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (f *jobStore) List(_ domain.Context, filter domain.JobFilter) ([]domain.Job, int, error) {
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var all []domain.Job
	for _, j := range f.jobs {
		if filter.OrgID != "" && j.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].ID < all[k].ID })
	total := len(all)
	if filter.Offset >= len(all) {
		return []domain.Job{}, total, nil
	}
	all = all[filter.Offset:]
	if filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, total, nil
}

func (f *jobStore) ListPending(_ domain.Context, _ int) ([]domain.Job, error) { return nil, nil }

func (f *jobStore) ListByAppVersion(_ domain.Context, _ string, _ domain.Target) ([]domain.Job, error) {
	return nil, nil
}

func (f *jobStore) ListFailed(_ domain.Context, _ int) ([]domain.Job, error) { return nil, nil }

func (f *jobStore) RunningByAgent(_ domain.Context, agentID string) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range f.jobs {
		if j.Status == domain.JobRunning && j.AssignedAgent == agentID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *jobStore) Update(_ domain.Context, id string, u domain.JobUpdate) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	if u.Status != nil && u.Status.Terminal() && j.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("op=job.update: %w: job %s already terminal", domain.ErrConflict, id)
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
	f.jobs[id] = j
	return j, nil
}

func (f *jobStore) QueuePendingByKey(_ domain.Context, k domain.GroupKey) (int, error) {
	n := 0
	for id, j := range f.jobs {
		if j.Key() == k && j.Status == domain.JobPending {
			j.Status = domain.JobQueued
			f.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (f *jobStore) PromoteFailed(_ domain.Context, id string, maxRetries int) (bool, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobFailed || j.RetryCount >= maxRetries {
		return false, nil
	}
	j.Status = domain.JobPending
	j.RetryCount++
	j.ErrorMessage = ""
	f.jobs[id] = j
	return true, nil
}

func (f *jobStore) AssignQueued(_ domain.Context, k domain.GroupKey, agentID string) (int, error) {
	n := 0
	for id, j := range f.jobs {
		if j.Key() == k && j.Status == domain.JobQueued {
			j.AssignedAgent = agentID
			f.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (f *jobStore) CountNonTerminalByKey(_ domain.Context, k domain.GroupKey) (int, error) {
	n := 0
	for _, j := range f.jobs {
		if j.Key() == k && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

type groupStore struct {
	groups map[string]domain.Group
	seq    int
}

func newGroupStore() *groupStore { return &groupStore{groups: map[string]domain.Group{}} }

func (f *groupStore) put(g domain.Group) domain.Group {
	f.groups[g.ID] = g
	return g
}

func (f *groupStore) Create(_ domain.Context, g domain.Group) (string, error) {
	if g.ID == "" {
		f.seq++
		g.ID = fmt.Sprintf("grp-%d", f.seq)
	}
	for _, existing := range f.groups {
		if existing.Key() == g.Key() && existing.Status != domain.GroupCompleted {
			return "", fmt.Errorf("op=group.create: %w: active group exists", domain.ErrConflict)
		}
	}
	if g.Status == "" {
		g.Status = domain.GroupPending
	}
	f.groups[g.ID] = g
	return g.ID, nil
}

func (f *groupStore) Get(_ domain.Context, id string) (domain.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return domain.Group{}, fmt.Errorf("op=group.get: %w", domain.ErrNotFound)
	}
	return g, nil
}

func (f *groupStore) ActiveByKey(_ domain.Context, k domain.GroupKey) (domain.Group, error) {
	for _, g := range f.groups {
		if g.Key() == k && g.Status != domain.GroupCompleted {
			return g, nil
		}
	}
	return domain.Group{}, fmt.Errorf("op=group.active: %w", domain.ErrNotFound)
}

func (f *groupStore) ListActive(_ domain.Context, _ int) ([]domain.Group, error) { return nil, nil }

func (f *groupStore) Update(_ domain.Context, id string, u domain.GroupUpdate) (domain.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return domain.Group{}, fmt.Errorf("op=group.update: %w", domain.ErrNotFound)
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
	f.groups[id] = g
	return g, nil
}

type agentStore struct {
	agents map[string]domain.Agent
}

func newAgentStore() *agentStore { return &agentStore{agents: map[string]domain.Agent{}} }

func (f *agentStore) put(a domain.Agent) domain.Agent {
	if a.MaxConcurrentJobs == 0 {
		a.MaxConcurrentJobs = domain.DefaultMaxConcurrentJobs
	}
	if a.CurrentJobs == nil {
		a.CurrentJobs = []string{}
	}
	f.agents[a.ID] = a
	return a
}

func (f *agentStore) Upsert(_ domain.Context, a domain.Agent) (string, error) {
	if a.MaxConcurrentJobs <= 0 {
		a.MaxConcurrentJobs = domain.DefaultMaxConcurrentJobs
	}
	now := time.Now().UTC()
	if existing, ok := f.agents[a.ID]; ok {
		a.RegisteredAt = existing.RegisteredAt
	} else {
		a.RegisteredAt = now
	}
	a.Status = domain.AgentOffline
	a.CurrentJobs = []string{}
	a.UpdatedAt = now
	f.agents[a.ID] = a
	return a.ID, nil
}

func (f *agentStore) Get(_ domain.Context, id string) (domain.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("op=agent.get: %w", domain.ErrNotFound)
	}
	return a, nil
}

func (f *agentStore) List(_ domain.Context) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range f.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (f *agentStore) Available(_ domain.Context, target domain.Target) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range f.agents {
		if a.DispatchEligible(target) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (f *agentStore) Update(_ domain.Context, id string, u domain.AgentUpdate) (domain.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("op=agent.update: %w", domain.ErrNotFound)
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
	f.agents[id] = a
	return a, nil
}

func (f *agentStore) SilentSince(_ domain.Context, cutoff time.Time) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range f.agents {
		if (a.Status == domain.AgentOnline || a.Status == domain.AgentBusy) && a.LastHeartbeat.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

type stubPub struct{ published int }

func (f *stubPub) Publish(_ domain.Context, _ string, _ any) error {
	f.published++
	return nil
}

type stubKeys struct{ values map[string]string }

func newStubKeys() *stubKeys { return &stubKeys{values: map[string]string{}} }

func (f *stubKeys) SetNX(_ domain.Context, key, value string, _ time.Duration) (bool, error) {
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value
	return true, nil
}

func (f *stubKeys) Get(_ domain.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *stubKeys) Delete(_ domain.Context, key string) error {
	delete(f.values, key)
	return nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(_ domain.Context) error { return p.err }

type testEnv struct {
	srv    *httpserver.Server
	jobs   *jobStore
	groups *groupStore
	agents *agentStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	jobs := newJobStore()
	groups := newGroupStore()
	agents := newAgentStore()
	jobSvc := usecase.NewJobService(jobs, groups, agents, &stubPub{}, newStubKeys())
	agentSvc := usecase.NewAgentService(agents, jobs, groups, jobSvc)
	healthSvc := usecase.NewHealthService(stubPinger{}, stubPinger{})
	srv := httpserver.NewServer(config.Config{AppEnv: "dev", Port: 8080}, jobSvc, agentSvc, healthSvc)
	return &testEnv{srv: srv, jobs: jobs, groups: groups, agents: agents}
}

// newAPIRouter mounts the handlers the way the application router does, minus
// middleware, so tests hit the same URL shapes as production traffic.
func newAPIRouter(srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		api.Post("/jobs", srv.SubmitJobHandler())
		api.Get("/jobs", srv.ListJobsHandler())
		api.Get("/jobs/{id}", srv.GetJobHandler())
		api.Put("/jobs/{id}/status", srv.UpdateJobStatusHandler())
		api.Delete("/jobs/{id}", srv.CancelJobHandler())
		api.Get("/jobs/{id}/metrics", srv.JobMetricsHandler())
		api.Post("/agents/register", srv.RegisterAgentHandler())
		api.Post("/agents/{id}/heartbeat", srv.HeartbeatHandler())
		api.Get("/agents", srv.ListAgentsHandler())
		api.Get("/agents/{id}", srv.GetAgentHandler())
		api.Get("/health", srv.HealthHandler())
	})
	return r
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}
