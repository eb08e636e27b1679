package domain

import "time"

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=GroupRepository --with-expecter --filename=group_repository_mock.go
//go:generate mockery --name=AgentRepository --with-expecter --filename=agent_repository_mock.go
//go:generate mockery --name=Broker --with-expecter --filename=broker_mock.go

// JobUpdate is a partial update. Nil fields are unchanged. ClearError writes
// SQL NULL to error_message, a distinct operation from leaving it untouched.
type JobUpdate struct {
	Status        *JobStatus
	AssignedAgent *string
	ErrorMessage  *string
	ClearError    bool
	Result        *TestResult
	RetryCount    *int
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// JobFilter narrows List. Zero values mean "no filter"; Limit 0 returns an
// empty page with the real total.
type JobFilter struct {
	OrgID  string
	Status JobStatus
	Limit  int
	Offset int
}

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// List orders by priority DESC, created_at ASC (stable) and returns the
	// unpaged total alongside the page.
	List(ctx Context, f JobFilter) ([]Job, int, error)
	ListPending(ctx Context, limit int) ([]Job, error)
	// ListByAppVersion returns pending and queued jobs for the key, same order.
	ListByAppVersion(ctx Context, appVersionID string, target Target) ([]Job, error)
	ListFailed(ctx Context, limit int) ([]Job, error)
	RunningByAgent(ctx Context, agentID string) ([]Job, error)
	// Update applies the delta and refreshes updated_at. Writes of a terminal
	// status carry a CAS guard: they apply only while the current status is
	// non-terminal; a lost race surfaces as ErrConflict.
	Update(ctx Context, id string, u JobUpdate) (Job, error)
	// QueuePendingByKey moves every pending job under the key to queued and
	// returns how many rows moved. The status predicate makes the move safe
	// against concurrent cancels.
	QueuePendingByKey(ctx Context, k GroupKey) (int, error)
	// AssignQueued stamps the agent on every queued job under the key and
	// returns how many rows it touched.
	AssignQueued(ctx Context, k GroupKey, agentID string) (int, error)
	// PromoteFailed re-opens one failed job for retry: status back to pending,
	// retry_count incremented, error cleared. False means the job left failed
	// or exhausted maxRetries in the meantime.
	PromoteFailed(ctx Context, id string, maxRetries int) (bool, error)
	// CountNonTerminalByKey counts live jobs under the key; zero means the
	// group has drained.
	CountNonTerminalByKey(ctx Context, k GroupKey) (int, error)
}

type GroupUpdate struct {
	Status        *GroupStatus
	AssignedAgent *string
	JobCount      *int
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

type GroupRepository interface {
	Create(ctx Context, g Group) (string, error)
	Get(ctx Context, id string) (Group, error)
	// ActiveByKey returns the non-completed group for the key, if any.
	ActiveByKey(ctx Context, k GroupKey) (Group, error)
	ListActive(ctx Context, limit int) ([]Group, error)
	Update(ctx Context, id string, u GroupUpdate) (Group, error)
}

// AgentUpdate: CurrentJobs is a pointer-to-slice so callers can write an empty
// list (clear) without colliding with "unchanged".
type AgentUpdate struct {
	Status            *AgentStatus
	CurrentJobs       *[]string
	LastHeartbeat     *time.Time
	MaxConcurrentJobs *int
}

type AgentRepository interface {
	// Upsert registers or refreshes an agent; registration resets status to
	// offline and current_jobs to empty.
	Upsert(ctx Context, a Agent) (string, error)
	Get(ctx Context, id string) (Agent, error)
	List(ctx Context) ([]Agent, error)
	// Available returns dispatch-eligible agents; empty target skips the
	// capability filter.
	Available(ctx Context, target Target) ([]Agent, error)
	Update(ctx Context, id string, u AgentUpdate) (Agent, error)
	// SilentSince returns non-offline agents whose last heartbeat predates cutoff.
	SilentSince(ctx Context, cutoff time.Time) ([]Agent, error)
}

// Queue broker contract. Transient routing data only; on broker loss the
// scheduler rebuilds everything below from the repositories.

// WorkQueue is an ordered FIFO queue (push head, pop tail) of JSON payloads.
type WorkQueue interface {
	PushWork(ctx Context, queue string, payload any) error
	PopWork(ctx Context, queue string) ([]byte, bool, error)
	BlockingPopWork(ctx Context, queue string, timeout time.Duration) ([]byte, bool, error)
}

// PriorityQueue is a score-ordered set popped highest-score-first.
type PriorityQueue interface {
	Add(ctx Context, name, member string, score float64) error
	PopMax(ctx Context, name string) (member string, score float64, ok bool, err error)
	Length(ctx Context, name string) (int64, error)
}

// KeyStore holds short-lived TTL values with set-if-absent semantics.
type KeyStore interface {
	SetNX(ctx Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx Context, key string) (string, bool, error)
	Delete(ctx Context, key string) error
}

// Locker provides short-lived mutual exclusion. Release is a no-op unless the
// token matches the current holder.
type Locker interface {
	Acquire(ctx Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx Context, key, token string) error
}

type Publisher interface {
	Publish(ctx Context, channel string, payload any) error
}

// Subscriber delivers messages at most once to currently subscribed handlers.
// Subscribe blocks until ctx is done.
type Subscriber interface {
	Subscribe(ctx Context, channel string, handler func(Context, []byte)) error
}

type Broker interface {
	WorkQueue
	PriorityQueue
	KeyStore
	Locker
	Publisher
	Subscriber
}

// EventSink receives lifecycle events for out-of-band consumers (analytics,
// audit). Optional: a nil sink disables the feed.
type EventSink interface {
	Emit(ctx Context, ev LifecycleEvent) error
}
