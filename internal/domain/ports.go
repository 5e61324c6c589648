package domain

import "time"

// Repositories (ports)

//go:generate mockery --name=TaskRepository --with-expecter --filename=task_repository_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=WorkerAdapter --with-expecter --filename=worker_adapter_mock.go

// TaskRepository persists tasks and enforces conditional status transitions.
type TaskRepository interface {
	// Create inserts a new task (status queued) and returns its id.
	Create(ctx Context, t Task) (string, error)
	// Get loads a task by id.
	Get(ctx Context, id string) (Task, error)
	// UpdateStatusIf transitions status only when the current status matches
	// from. Returns ErrConflict when no row matched.
	UpdateStatusIf(ctx Context, id string, from, to TaskStatus, reason BlockReason) error
	// SetTargetArea persists a derived target area; it never overwrites a
	// non-empty value.
	SetTargetArea(ctx Context, id, area string) error
	// IncrementRetry bumps retry_count by one and returns the new value.
	IncrementRetry(ctx Context, id string) (int, error)
	// Cancel transitions any non-terminal task to cancelled (administrative).
	Cancel(ctx Context, id string) error
	// DependenciesDone reports whether every dependency of the task is done.
	DependenciesDone(ctx Context, id string) (bool, error)
	// ActivePeersInArea returns non-terminal feature-lane peers sharing the
	// target area, excluding the task itself.
	ActivePeersInArea(ctx Context, area string, excludeTaskID string) ([]Task, error)
	// ListByStatus returns tasks in a given status, FIFO by priority desc then
	// created_at asc.
	ListByStatus(ctx Context, status TaskStatus, limit int) ([]Task, error)
	// ListBlocked returns blocked tasks with the given reason.
	ListBlocked(ctx Context, reason BlockReason, limit int) ([]Task, error)
	// CountByStatus returns the number of tasks per status.
	CountByStatus(ctx Context) (map[TaskStatus]int, error)
}

// RunRepository persists execution attempts. Runs are append-only.
type RunRepository interface {
	Create(ctx Context, r Run) (string, error)
	Get(ctx Context, id string) (Run, error)
	// Finish closes a run. Finished runs are immutable apart from judgement.
	Finish(ctx Context, id string, status RunStatus, errMsg string, meta ErrorMeta) error
	// LatestByTask returns the most recent run of a task.
	LatestByTask(ctx Context, taskID string) (Run, error)
	// LatestUnjudgedSuccess returns the newest success run with judged_at null.
	LatestUnjudgedSuccess(ctx Context, taskID string) (Run, error)
	// Judge stamps judged_at and the verdict on a finished run.
	Judge(ctx Context, id string, verdict Verdict, judgedAt time.Time) error
	// HasApprovedRun reports whether any run of the task was ever approved.
	HasApprovedRun(ctx Context, taskID string) (bool, error)
	// RunningByAgent returns the agent's current running run, if any.
	RunningByAgent(ctx Context, agentID string) (Run, error)
	// ListRunningOlderThan returns running runs started before the cutoff.
	ListRunningOlderThan(ctx Context, cutoff time.Time, limit int) ([]Run, error)
	// CountForCycle returns run statistics since a cycle started.
	CountForCycle(ctx Context, since time.Time) (int, error)
}

// LeaseRepository owns the lease table. Uniqueness on task_id is enforced by
// the store.
type LeaseRepository interface {
	// Acquire inserts a lease unless a non-expired one exists; returns
	// ErrLeaseHeld when beaten.
	Acquire(ctx Context, taskID, agentID string, ttl time.Duration) (Lease, error)
	// Release deletes a lease by task id.
	Release(ctx Context, taskID string) error
	// Extend pushes the expiry of an agent's leases forward.
	Extend(ctx Context, agentID string, ttl time.Duration) error
	// ByAgent lists leases owned by an agent.
	ByAgent(ctx Context, agentID string) ([]Lease, error)
	// ByTask returns the lease on a task, if present.
	ByTask(ctx Context, taskID string) (Lease, error)
	// ListExpired returns leases whose expiry is at or before now.
	ListExpired(ctx Context, now time.Time, limit int) ([]Lease, error)
}

// AgentRepository persists agent registration and liveness.
type AgentRepository interface {
	// Upsert registers an agent or refreshes its role/metadata; a registering
	// agent re-idles only when it is not busy.
	Upsert(ctx Context, a Agent) error
	Get(ctx Context, id string) (Agent, error)
	// Heartbeat updates last_heartbeat without regressing busy to idle.
	Heartbeat(ctx Context, id string, now time.Time) error
	// MarkBusy CASes an idle agent to busy with the given task.
	MarkBusy(ctx Context, id, taskID string) error
	// MarkIdle clears current_task_id and sets status idle.
	MarkIdle(ctx Context, id string) error
	// MarkOffline sets status offline and clears current_task_id.
	MarkOffline(ctx Context, id string) error
	// SelectIdle returns healthy idle agents for a role, least-recently used
	// (earliest heartbeat) first.
	SelectIdle(ctx Context, role AgentRole, heartbeatAfter time.Time, limit int) ([]Agent, error)
	// ListDead returns agents not already offline whose last heartbeat is
	// strictly older than the cutoff (or who never heartbeated).
	ListDead(ctx Context, cutoff time.Time, limit int) ([]Agent, error)
	// ListOffline returns offline agents.
	ListOffline(ctx Context, limit int) ([]Agent, error)
}

// EventRepository appends and reads the audit stream.
type EventRepository interface {
	Append(ctx Context, e Event) (string, error)
	// LastByType returns the newest event of a type, optionally scoped to an
	// entity id (empty matches any).
	LastByType(ctx Context, eventType, entityID string) (Event, error)
	// ListByType returns newest-first events of a type.
	ListByType(ctx Context, eventType string, limit int) ([]Event, error)
	// DeleteByType removes events of a type (admin surface, e.g. clearing
	// recorded anomalies).
	DeleteByType(ctx Context, eventType string) (int64, error)
}

// CycleRepository persists supervisor epochs. Start must be serialized via an
// advisory lock so concurrent supervisors never create two running cycles.
type CycleRepository interface {
	// Current returns the running cycle, or ErrNotFound.
	Current(ctx Context) (Cycle, error)
	// Start ends-if-needed and creates the next cycle (number = prev+1) under
	// an advisory transactional lock.
	Start(ctx Context) (Cycle, error)
	// End closes the running cycle with a trigger and reason.
	End(ctx Context, id string, trigger TriggerType, reason string, stats CycleStats) error
	// UpdateStats persists a stats snapshot on the running cycle.
	UpdateStats(ctx Context, id string, stats CycleStats) error
	// StatsSince recomputes stats from tasks updated and runs started since the
	// cycle began.
	StatsSince(ctx Context, since time.Time) (CycleStats, error)
}

// Queue (port)

// JobEnvelope is the payload carried by every queue job.
type JobEnvelope struct {
	TaskID   string `json:"taskId"`
	AgentID  string `json:"agentId"`
	Priority int    `json:"priority"`
}

// Queue is the durable priority queue of job envelopes. Delivery is
// at-least-once; consumers must be idempotent.
type Queue interface {
	// Enqueue adds a fresh job (name task:<taskId>) and returns its job id.
	// Stale terminal state from prior jobs never blocks a re-enqueue.
	Enqueue(ctx Context, env JobEnvelope) (string, error)
	// Requeue adds a new envelope (name retry:<taskId>) after the delay. It
	// does not remove the task's original job.
	Requeue(ctx Context, env JobEnvelope, delay time.Duration) (string, error)
	// DeadLetter parks the envelope on the dead-letter queue (name
	// dead:<taskId>).
	DeadLetter(ctx Context, env JobEnvelope, reason string) error
	// Obliterate purges a whole queue (admin).
	Obliterate(ctx Context, queue string) error
	// PendingCount returns the number of ready, scheduled, in-flight and
	// retrying jobs.
	PendingCount(ctx Context) (int, error)
}

// RunUsage is the spend a worker reports for one finished run.
type RunUsage struct {
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"costUsd"`
}

// WorkerAdapter is the named interface to the external LLM worker processes.
type WorkerAdapter interface {
	// StartRun hands a claimed task to the agent's worker. PriorFailure
	// carries the last attempt's summary so reworked prompts can improve.
	StartRun(ctx Context, task Task, runID, agentID string, priorFailure string) error
	// SignalCancel best-effort interrupts a running task.
	SignalCancel(ctx Context, taskID, agentID string) error
}

// PlannerResult is the typed outcome of a planner subprocess invocation.
type PlannerResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// PlannerRunner spawns the external planner with a deadline.
type PlannerRunner interface {
	Run(ctx Context, command, workdir string) (PlannerResult, error)
}

// CostTracker accumulates per-cycle spend for limit checks.
type CostTracker interface {
	AddUsage(ctx Context, cycleID string, tokens int64, costUSD float64) error
	Usage(ctx Context, cycleID string) (tokens int64, costUSD float64, err error)
	Reset(ctx Context, cycleID string) error
}

// EventPublisher mirrors events to an external bus; the store stays
// authoritative.
type EventPublisher interface {
	Publish(ctx Context, e Event) error
	Close() error
}
