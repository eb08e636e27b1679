package httpserver

import (
	"time"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// jobResponse is the wire shape of a Job. Domain entities carry no JSON tags,
// so the contract lives here.
type jobResponse struct {
	ID            string             `json:"id"`
	OrgID         string             `json:"org_id"`
	AppVersionID  string             `json:"app_version_id"`
	TestPath      string             `json:"test_path"`
	Target        domain.Target      `json:"target"`
	Priority      int                `json:"priority"`
	Status        domain.JobStatus   `json:"status"`
	RetryCount    int                `json:"retry_count"`
	AssignedAgent string             `json:"assigned_agent,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	Result        *domain.TestResult `json:"result,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		OrgID:         j.OrgID,
		AppVersionID:  j.AppVersionID,
		TestPath:      j.TestPath,
		Target:        j.Target,
		Priority:      j.Priority,
		Status:        j.Status,
		RetryCount:    j.RetryCount,
		AssignedAgent: j.AssignedAgent,
		ErrorMessage:  j.ErrorMessage,
		Result:        j.Result,
		Metadata:      j.Metadata,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

func toJobResponses(jobs []domain.Job) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	return out
}

type agentResponse struct {
	ID                string              `json:"id"`
	Name              string              `json:"name,omitempty"`
	Capabilities      []domain.Capability `json:"capabilities"`
	Status            domain.AgentStatus  `json:"status"`
	LastHeartbeat     time.Time           `json:"last_heartbeat"`
	MaxConcurrentJobs int                 `json:"max_concurrent_jobs"`
	CurrentJobs       []string            `json:"current_jobs"`
	RegisteredAt      time.Time           `json:"registered_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func toAgentResponse(a domain.Agent) agentResponse {
	jobs := a.CurrentJobs
	if jobs == nil {
		jobs = []string{}
	}
	return agentResponse{
		ID:                a.ID,
		Name:              a.Name,
		Capabilities:      a.Capabilities,
		Status:            a.Status,
		LastHeartbeat:     a.LastHeartbeat,
		MaxConcurrentJobs: a.MaxConcurrentJobs,
		CurrentJobs:       jobs,
		RegisteredAt:      a.RegisteredAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

type listJobsResponse struct {
	Jobs    []jobResponse `json:"jobs"`
	Total   int           `json:"total"`
	HasMore bool          `json:"has_more"`
}

type batchSubmitResponse struct {
	JobIDs []string `json:"job_ids"`
}

type messageResponse struct {
	Message string `json:"message"`
}
