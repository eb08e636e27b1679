package domain

import "time"

// Broker naming contract. Channel payload casing follows the wire contract
// consumed by agents and the dashboard: queue descriptors use snake_case,
// channel events camelCase.
const (
	SchedulingQueue         = "groups:scheduling"
	ChannelJobCompleted     = "job:completed"
	ChannelJobStatusUpdated = "job:status:updated"

	WorkItemTypeJobGroup = "job_group"
)

func AgentWorkQueue(agentID string) string { return "agent:" + agentID + ":work" }

func AgentCancelChannel(agentID string) string { return "agent:" + agentID + ":cancel" }

func AgentLockKey(agentID string) string { return "lock:agent:" + agentID }

// GroupDescriptor rides groups:scheduling. PriorityScore is the score at
// first enqueue; the live zset score may drift below it on dispatch retries.
type GroupDescriptor struct {
	GroupID       string    `json:"group_id"`
	AppVersionID  string    `json:"app_version_id"`
	Target        Target    `json:"target"`
	JobCount      int       `json:"job_count"`
	PriorityScore float64   `json:"priority_score"`
	CreatedAt     time.Time `json:"created_at"`
}

// WorkItem is pushed onto agent:{id}:work when a group is assigned.
type WorkItem struct {
	GroupID    string    `json:"group_id"`
	Type       string    `json:"type"`
	AssignedAt time.Time `json:"assigned_at"`
}

// CancelNotice is published to agent:{id}:cancel; agents treat it as
// idempotent and ignore jobs already finished on their side.
type CancelNotice struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
}

// StatusUpdateEvent is published to job:status:updated.
type StatusUpdateEvent struct {
	JobID     string    `json:"jobId"`
	NewStatus JobStatus `json:"newStatus"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionEvent is published to job:completed.
type CompletionEvent struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration"`
}

// LifecycleEvent kinds on the event feed topic.
const (
	EventJobSubmitted = "job.submitted"
	EventJobStatus    = "job.status_changed"
	EventJobCompleted = "job.completed"
	EventJobCancelled = "job.cancelled"
	EventJobRetried   = "job.retried"
)

// LifecycleEvent is the event-feed record emitted to the analytics topic.
type LifecycleEvent struct {
	Kind         string    `json:"kind"`
	JobID        string    `json:"job_id"`
	OrgID        string    `json:"org_id"`
	AppVersionID string    `json:"app_version_id"`
	Target       Target    `json:"target"`
	Status       JobStatus `json:"status"`
	DurationMS   *int64    `json:"duration_ms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
