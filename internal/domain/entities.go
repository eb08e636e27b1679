package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyTerminal   = errors.New("already terminal")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrConflict          = errors.New("conflict")
	ErrUpstream          = errors.New("upstream failure")
	ErrInternal          = errors.New("internal error")
)

// Scheduling bounds
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	DefaultMaxRetries        = 3
	DefaultMaxConcurrentJobs = 3
)

const (
	// ErrMsgConnectionLost is written to jobs orphaned by their agent. The retry
	// monitor matches on status, not on this text, but agents and dashboards do.
	ErrMsgConnectionLost = "Job lost connection with agent"
	// DefaultCancelReason is recorded when a cancel request carries no reason.
	DefaultCancelReason = "Job cancelled by user"
)

// Target is the execution environment class for a job.
type Target string

const (
	TargetEmulator Target = "emulator"
	TargetDevice   Target = "device"
	TargetCloud    Target = "cloud"
)

func (t Target) Known() bool {
	switch t {
	case TargetEmulator, TargetDevice, TargetCloud:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Known() bool {
	switch s {
	case JobPending, JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Terminal statuses are absorbing; failed may re-enter pending via retry.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// jobTransitions is the lifecycle graph:
// pending -> queued -> running -> {completed, failed, cancelled},
// with failed -> pending (retry) and cancel from any non-terminal state.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobQueued, JobCancelled},
	JobQueued:  {JobRunning, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled},
	JobFailed:  {JobPending},
}

// CanTransitionTo reports whether next is reachable from s in one step.
// Re-asserting the current non-terminal status is allowed so that duplicate
// agent updates stay idempotent.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, allowed := range jobTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// TestResult is the agent's report for a finished job. The JSON shape is the
// wire format agents submit and the stored JSONB shape, so tags live here.
type TestResult struct {
	Success     bool     `json:"success"`
	TestsRun    int      `json:"tests_run"`
	TestsPassed int      `json:"tests_passed"`
	TestsFailed int      `json:"tests_failed"`
	DurationMS  int64    `json:"duration_ms"`
	Artifacts   []string `json:"artifacts,omitempty"`
	Logs        string   `json:"logs,omitempty"`
}

// Job is one test-execution request.
// Invariants: StartedAt set iff the job has been at least running; CompletedAt
// set iff terminal; AssignedAgent set from queued onward; RetryCount bounded by
// the configured maximum; terminal status never changes except failed -> pending.
type Job struct {
	ID            string
	OrgID         string
	AppVersionID  string
	TestPath      string
	Target        Target
	Priority      int
	Status        JobStatus
	RetryCount    int
	AssignedAgent string
	ErrorMessage  string
	Result        *TestResult
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Key is the coalescing key routing the job into a group.
func (j Job) Key() GroupKey {
	return GroupKey{OrgID: j.OrgID, AppVersionID: j.AppVersionID, Target: j.Target}
}

// GroupKey identifies the coalescing tuple (org, app version, target).
// Comparable so schedulers can partition with it directly.
type GroupKey struct {
	OrgID        string
	AppVersionID string
	Target       Target
}

// BrokerKey is the TTL key under which the active group id is registered.
func (k GroupKey) BrokerKey() string {
	return "group:" + k.OrgID + ":" + k.AppVersionID + ":" + string(k.Target)
}

type GroupStatus string

const (
	GroupPending   GroupStatus = "pending"
	GroupAssigned  GroupStatus = "assigned"
	GroupRunning   GroupStatus = "running"
	GroupCompleted GroupStatus = "completed"
)

func (s GroupStatus) Terminal() bool { return s == GroupCompleted }

// Group coalesces non-terminal jobs sharing a GroupKey; the unit of dispatch.
// At most one non-completed group exists per key at any time. Membership is
// implicit: the group's jobs are the non-terminal jobs matching its key.
type Group struct {
	ID            string
	OrgID         string
	AppVersionID  string
	Target        Target
	Status        GroupStatus
	AssignedAgent string
	JobCount      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

func (g Group) Key() GroupKey {
	return GroupKey{OrgID: g.OrgID, AppVersionID: g.AppVersionID, Target: g.Target}
}

type AgentStatus string

const (
	AgentOffline     AgentStatus = "offline"
	AgentOnline      AgentStatus = "online"
	AgentBusy        AgentStatus = "busy"
	AgentMaintenance AgentStatus = "maintenance"
)

func (s AgentStatus) Known() bool {
	switch s {
	case AgentOffline, AgentOnline, AgentBusy, AgentMaintenance:
		return true
	}
	return false
}

// Capability describes one execution environment an agent can serve. Stored
// as JSONB with these keys; capability filters do containment on "target".
type Capability struct {
	Target     Target `json:"target"`
	Platform   string `json:"platform,omitempty"`
	Version    string `json:"version,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
}

func (c Capability) Matches(t Target) bool { return c.Target == t }

// Agent is a long-lived worker process executing job groups.
type Agent struct {
	ID                string
	Name              string
	Capabilities      []Capability
	Status            AgentStatus
	LastHeartbeat     time.Time
	MaxConcurrentJobs int
	CurrentJobs       []string
	RegisteredAt      time.Time
	UpdatedAt         time.Time
}

func (a Agent) CanServe(t Target) bool {
	for _, c := range a.Capabilities {
		if c.Matches(t) {
			return true
		}
	}
	return false
}

func (a Agent) HasCapacity() bool {
	return len(a.CurrentJobs) < a.MaxConcurrentJobs
}

// DispatchEligible: online or busy, spare capacity, capability match.
func (a Agent) DispatchEligible(t Target) bool {
	if a.Status != AgentOnline && a.Status != AgentBusy {
		return false
	}
	return a.HasCapacity() && a.CanServe(t)
}

// Context is an alias so the domain package does not import std context at
// every call site; adapters and usecases pass context.Context through.
type Context = context.Context
