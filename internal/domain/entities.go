// Package domain defines core entities, ports, and domain-specific errors for
// the task lifecycle engine.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrLeaseHeld       = errors.New("lease held")
	ErrNoIdleAgent     = errors.New("no idle agent")
	ErrAreaBusy        = errors.New("target area busy")
	ErrInternal        = errors.New("internal error")
)

// TaskStatus captures the lifecycle state of a task.
type TaskStatus string

// Task status values.
const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions besides
// administrative cancellation.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// BlockReason tags why a task is blocked. Non-empty iff status is blocked.
type BlockReason string

const (
	BlockAwaitingJudge BlockReason = "awaiting_judge"
	BlockNeedsRework   BlockReason = "needs_rework"
)

// TaskKind distinguishes code-changing from research work.
type TaskKind string

const (
	KindCode     TaskKind = "code"
	KindResearch TaskKind = "research"
)

// AgentRole enumerates the worker roles a task can require.
type AgentRole string

const (
	RoleWorker AgentRole = "worker"
	RoleTester AgentRole = "tester"
	RoleDocser AgentRole = "docser"
)

// Lane partitions scheduling behavior.
type Lane string

const (
	LaneFeature          Lane = "feature"
	LaneConflictRecovery Lane = "conflict_recovery"
	LaneDocser           Lane = "docser"
	LaneResearch         Lane = "research"
)

// RiskLevel grades blast radius of a task.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Task is a unit of work driven through the lifecycle engine.
// Invariants: BlockReason is non-empty iff Status == blocked; RetryCount never
// decreases; TargetArea is immutable once set; a task with unfinished
// dependencies is never claimed.
type Task struct {
	ID             string    `validate:"required,uuid4"`
	Title          string    `validate:"required"`
	Goal           string    `validate:"required"`
	Kind           TaskKind  `validate:"required,oneof=code research"`
	Role           AgentRole `validate:"required,oneof=worker tester docser"`
	Lane           Lane      `validate:"required,oneof=feature conflict_recovery docser research"`
	Status         TaskStatus
	BlockReason    BlockReason
	AllowedPaths   []string
	Commands       []string
	Priority       int
	RiskLevel      RiskLevel `validate:"omitempty,oneof=low medium high"`
	TargetArea     string
	Touches        []string
	Dependencies   []string
	TimeboxMinutes int `validate:"gt=0"`
	RetryCount     int
	Context        TaskContext
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Timebox returns the task's execution budget as a duration.
func (t Task) Timebox() time.Duration {
	return time.Duration(t.TimeboxMinutes) * time.Minute
}

// RunStatus captures the state of a single execution attempt.
type RunStatus string

// Run status values.
const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Verdict is the judge's decision on a successful run.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
)

// Run is an append-only execution attempt of a task by an agent. Once
// finished, fields other than JudgedAt/Verdict are immutable.
type Run struct {
	ID           string
	TaskID       string
	AgentID      string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage string
	ErrorMeta    ErrorMeta
	JudgedAt     *time.Time
	Verdict      Verdict
}

// Lease is a time-bounded exclusive claim of a task by an agent. At most one
// lease exists per task.
type Lease struct {
	ID        string
	TaskID    string
	AgentID   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the lease has lapsed at the given instant.
func (l Lease) Expired(now time.Time) bool { return !l.ExpiresAt.After(now) }

// AgentStatus captures worker-process availability.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a worker process capable of executing one task at a time.
// Invariant: Status == busy implies CurrentTaskID non-empty and a matching
// lease owned by this agent.
type Agent struct {
	ID            string
	Role          AgentRole
	Status        AgentStatus
	CurrentTaskID string
	LastHeartbeat *time.Time
	Metadata      map[string]string
}

// Healthy reports whether the agent heartbeated strictly within the timeout.
// A heartbeat exactly at now-timeout is not healthy.
func (a Agent) Healthy(now time.Time, timeout time.Duration) bool {
	if a.LastHeartbeat == nil {
		return false
	}
	return a.LastHeartbeat.After(now.Add(-timeout))
}

// CycleStatus captures the state of a supervisor epoch.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleAborted   CycleStatus = "aborted"
)

// TriggerType names what ended (or will end) a cycle.
type TriggerType string

const (
	TriggerTime        TriggerType = "time"
	TriggerTaskCount   TriggerType = "task_count"
	TriggerFailureRate TriggerType = "failure_rate"
	TriggerManual      TriggerType = "manual"
)

// CycleStats is the persisted per-cycle snapshot.
type CycleStats struct {
	TasksCompleted int   `json:"tasksCompleted"`
	TasksFailed    int   `json:"tasksFailed"`
	TasksCancelled int   `json:"tasksCancelled"`
	TotalTokens    int64 `json:"totalTokens"`
	RunsTotal      int   `json:"runsTotal"`
	PRsOpened      int   `json:"prsOpened"`
	PRsMerged      int   `json:"prsMerged"`
}

// Finished returns the number of tasks that reached a terminal state.
func (s CycleStats) Finished() int {
	return s.TasksCompleted + s.TasksFailed + s.TasksCancelled
}

// FailureRate returns failed/finished, or 0 when nothing finished.
func (s CycleStats) FailureRate() float64 {
	if s.Finished() == 0 {
		return 0
	}
	return float64(s.TasksFailed) / float64(s.Finished())
}

// Cycle is a bounded supervisor epoch delimited by a trigger condition.
type Cycle struct {
	ID          string
	Number      int
	Status      CycleStatus
	StartedAt   time.Time
	EndedAt     *time.Time
	TriggerType TriggerType
	EndReason   string
	Stats       CycleStats
}

// Event types emitted by the engine. Events are the source of truth for
// idempotent decisions that must survive restart.
const (
	EventTaskRequeued      = "task.requeued"
	EventTaskFailed        = "task.failed"
	EventCostLimitExceeded = "cost.limit_exceeded"
	EventCycleEndTriggered = "cycle.end_triggered"
	EventReplanTriggered   = "planner.replan_triggered"
	EventReplanFinished    = "planner.replan_finished"
	EventReplanSkipped     = "planner.replan_skipped"
	EventReplanFailed      = "planner.replan_failed"
	EventJudgeReview       = "judge.review"
	EventAnomalyDetected   = "anomaly.detected"
	EventAnomaliesCleared  = "anomaly.cleared"
)

// Event is an append-only audit record.
type Event struct {
	ID         string
	Type       string
	EntityType string
	EntityID   string
	Payload    map[string]any
	CreatedAt  time.Time
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
