package usecase_test

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// In-memory ports for engine tests. They enforce the same conditional-update
// semantics as the Postgres adapters.

type memStore struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	runs   map[string]*domain.Run
	leases map[string]*domain.Lease // keyed by task id
	agents map[string]*domain.Agent
	events []domain.Event
	cycles []*domain.Cycle

	statsFn func(since time.Time) domain.CycleStats
}

func newMemStore() *memStore {
	return &memStore{
		tasks:  map[string]*domain.Task{},
		runs:   map[string]*domain.Run{},
		leases: map[string]*domain.Lease{},
		agents: map[string]*domain.Agent{},
	}
}

// --- TaskRepository ---

type memTasks struct{ s *memStore }

func (m *memTasks) Create(_ domain.Context, t domain.Task) (string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.TaskQueued
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := t
	m.s.tasks[t.ID] = &cp
	return t.ID, nil
}

func (m *memTasks) Get(_ domain.Context, id string) (domain.Task, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return *t, nil
}

func (m *memTasks) UpdateStatusIf(_ domain.Context, id string, from, to domain.TaskStatus, reason domain.BlockReason) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok || t.Status != from {
		return domain.ErrConflict
	}
	t.Status = to
	t.BlockReason = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memTasks) SetTargetArea(_ domain.Context, id, area string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.TargetArea == "" {
		t.TargetArea = area
	}
	return nil
}

func (m *memTasks) IncrementRetry(_ domain.Context, id string) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	t.RetryCount++
	return t.RetryCount, nil
}

func (m *memTasks) Cancel(_ domain.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return domain.ErrConflict
	}
	t.Status = domain.TaskCancelled
	t.BlockReason = ""
	return nil
}

func (m *memTasks) DependenciesDone(_ domain.Context, id string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	for _, dep := range t.Dependencies {
		if d, ok := m.s.tasks[dep]; ok && d.Status != domain.TaskDone {
			return false, nil
		}
	}
	return true, nil
}

func (m *memTasks) ActivePeersInArea(_ domain.Context, area, exclude string) ([]domain.Task, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Task
	for _, t := range m.s.tasks {
		if t.ID == exclude || t.TargetArea != area || t.Lane != domain.LaneFeature {
			continue
		}
		if t.Status == domain.TaskQueued || t.Status == domain.TaskRunning {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTasks) ListByStatus(_ domain.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Task
	for _, t := range m.s.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) ListBlocked(_ domain.Context, reason domain.BlockReason, limit int) ([]domain.Task, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Task
	for _, t := range m.s.tasks {
		if t.Status == domain.TaskBlocked && t.BlockReason == reason {
			out = append(out, *t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) CountByStatus(_ domain.Context) (map[domain.TaskStatus]int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := map[domain.TaskStatus]int{}
	for _, t := range m.s.tasks {
		out[t.Status]++
	}
	return out, nil
}

// --- RunRepository ---

type memRuns struct{ s *memStore }

func (m *memRuns) Create(_ domain.Context, r domain.Run) (string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = domain.RunRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	cp := r
	m.s.runs[r.ID] = &cp
	return r.ID, nil
}

func (m *memRuns) Get(_ domain.Context, id string) (domain.Run, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return *r, nil
}

func (m *memRuns) Finish(_ domain.Context, id string, status domain.RunStatus, errMsg string, meta domain.ErrorMeta) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok || r.Status != domain.RunRunning {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.Status = status
	r.ErrorMessage = errMsg
	r.ErrorMeta = meta
	return nil
}

func (m *memRuns) latestWhere(taskID string, pred func(*domain.Run) bool) (domain.Run, error) {
	var best *domain.Run
	for _, r := range m.s.runs {
		if r.TaskID != taskID || !pred(r) {
			continue
		}
		if best == nil || r.StartedAt.After(best.StartedAt) {
			best = r
		}
	}
	if best == nil {
		return domain.Run{}, domain.ErrNotFound
	}
	return *best, nil
}

func (m *memRuns) LatestByTask(_ domain.Context, taskID string) (domain.Run, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.latestWhere(taskID, func(*domain.Run) bool { return true })
}

func (m *memRuns) LatestUnjudgedSuccess(_ domain.Context, taskID string) (domain.Run, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.latestWhere(taskID, func(r *domain.Run) bool {
		return r.Status == domain.RunSuccess && r.JudgedAt == nil
	})
}

func (m *memRuns) Judge(_ domain.Context, id string, verdict domain.Verdict, judgedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok || r.JudgedAt != nil {
		return domain.ErrConflict
	}
	r.JudgedAt = &judgedAt
	r.Verdict = verdict
	return nil
}

func (m *memRuns) HasApprovedRun(_ domain.Context, taskID string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, r := range m.s.runs {
		if r.TaskID == taskID && r.Verdict == domain.VerdictApprove {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRuns) RunningByAgent(_ domain.Context, agentID string) (domain.Run, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, r := range m.s.runs {
		if r.AgentID == agentID && r.Status == domain.RunRunning {
			return *r, nil
		}
	}
	return domain.Run{}, domain.ErrNotFound
}

func (m *memRuns) ListRunningOlderThan(_ domain.Context, cutoff time.Time, limit int) ([]domain.Run, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Run
	for _, r := range m.s.runs {
		if r.Status == domain.RunRunning && r.StartedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRuns) CountForCycle(_ domain.Context, since time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, r := range m.s.runs {
		if !r.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// --- LeaseRepository ---

type memLeases struct{ s *memStore }

func (m *memLeases) Acquire(_ domain.Context, taskID, agentID string, ttl time.Duration) (domain.Lease, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := time.Now().UTC()
	if l, ok := m.s.leases[taskID]; ok && l.ExpiresAt.After(now) {
		return domain.Lease{}, domain.ErrLeaseHeld
	}
	l := domain.Lease{ID: uuid.New().String(), TaskID: taskID, AgentID: agentID, ExpiresAt: now.Add(ttl), CreatedAt: now}
	m.s.leases[taskID] = &l
	return l, nil
}

func (m *memLeases) Release(_ domain.Context, taskID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.leases, taskID)
	return nil
}

func (m *memLeases) Extend(_ domain.Context, agentID string, ttl time.Duration) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	exp := time.Now().UTC().Add(ttl)
	for _, l := range m.s.leases {
		if l.AgentID == agentID {
			l.ExpiresAt = exp
		}
	}
	return nil
}

func (m *memLeases) ByAgent(_ domain.Context, agentID string) ([]domain.Lease, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Lease
	for _, l := range m.s.leases {
		if l.AgentID == agentID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memLeases) ByTask(_ domain.Context, taskID string) (domain.Lease, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	l, ok := m.s.leases[taskID]
	if !ok {
		return domain.Lease{}, domain.ErrNotFound
	}
	return *l, nil
}

func (m *memLeases) ListExpired(_ domain.Context, now time.Time, limit int) ([]domain.Lease, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Lease
	for _, l := range m.s.leases {
		if !l.ExpiresAt.After(now) {
			out = append(out, *l)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- AgentRepository ---

type memAgents struct{ s *memStore }

func (m *memAgents) Upsert(_ domain.Context, a domain.Agent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.s.agents[a.ID]; ok {
		existing.Role = a.Role
		existing.Metadata = a.Metadata
		existing.LastHeartbeat = &now
		if existing.Status != domain.AgentBusy {
			existing.Status = domain.AgentIdle
		}
		return nil
	}
	a.Status = domain.AgentIdle
	a.LastHeartbeat = &now
	cp := a
	m.s.agents[a.ID] = &cp
	return nil
}

func (m *memAgents) Get(_ domain.Context, id string) (domain.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.agents[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return *a, nil
}

func (m *memAgents) Heartbeat(_ domain.Context, id string, now time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	hb := now.UTC()
	a.LastHeartbeat = &hb
	return nil
}

func (m *memAgents) MarkBusy(_ domain.Context, id, taskID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.agents[id]
	if !ok || a.Status != domain.AgentIdle {
		return domain.ErrConflict
	}
	a.Status = domain.AgentBusy
	a.CurrentTaskID = taskID
	return nil
}

func (m *memAgents) MarkIdle(_ domain.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if a, ok := m.s.agents[id]; ok {
		a.Status = domain.AgentIdle
		a.CurrentTaskID = ""
	}
	return nil
}

func (m *memAgents) MarkOffline(_ domain.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if a, ok := m.s.agents[id]; ok {
		a.Status = domain.AgentOffline
		a.CurrentTaskID = ""
	}
	return nil
}

func (m *memAgents) SelectIdle(_ domain.Context, role domain.AgentRole, heartbeatAfter time.Time, limit int) ([]domain.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Agent
	for _, a := range m.s.agents {
		if a.Status != domain.AgentIdle || a.Role != role {
			continue
		}
		if a.LastHeartbeat == nil || !a.LastHeartbeat.After(heartbeatAfter) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeat.Before(*out[j].LastHeartbeat) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAgents) ListDead(_ domain.Context, cutoff time.Time, limit int) ([]domain.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Agent
	for _, a := range m.s.agents {
		if a.Status == domain.AgentOffline {
			continue
		}
		if a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff) {
			out = append(out, *a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAgents) ListOffline(_ domain.Context, limit int) ([]domain.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Agent
	for _, a := range m.s.agents {
		if a.Status == domain.AgentOffline {
			out = append(out, *a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- EventRepository ---

type memEvents struct{ s *memStore }

func (m *memEvents) Append(_ domain.Context, e domain.Event) (string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if e.ID == "" {
		e.ID = fmt.Sprintf("ev-%d", len(m.s.events)+1)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.s.events = append(m.s.events, e)
	return e.ID, nil
}

func (m *memEvents) LastByType(_ domain.Context, eventType, entityID string) (domain.Event, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for i := len(m.s.events) - 1; i >= 0; i-- {
		e := m.s.events[i]
		if e.Type == eventType && (entityID == "" || e.EntityID == entityID) {
			return e, nil
		}
	}
	return domain.Event{}, domain.ErrNotFound
}

func (m *memEvents) ListByType(_ domain.Context, eventType string, limit int) ([]domain.Event, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Event
	for i := len(m.s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.s.events[i].Type == eventType {
			out = append(out, m.s.events[i])
		}
	}
	return out, nil
}

func (m *memEvents) DeleteByType(_ domain.Context, eventType string) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var kept []domain.Event
	var removed int64
	for _, e := range m.s.events {
		if e.Type == eventType {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.s.events = kept
	return removed, nil
}

func (m *memEvents) countByType(eventType string) int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, e := range m.s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// --- CycleRepository ---

type memCycles struct{ s *memStore }

func (m *memCycles) Current(_ domain.Context) (domain.Cycle, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for i := len(m.s.cycles) - 1; i >= 0; i-- {
		if m.s.cycles[i].Status == domain.CycleRunning {
			return *m.s.cycles[i], nil
		}
	}
	return domain.Cycle{}, domain.ErrNotFound
}

func (m *memCycles) Start(_ domain.Context) (domain.Cycle, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := time.Now().UTC()
	for _, c := range m.s.cycles {
		if c.Status == domain.CycleRunning {
			c.Status = domain.CycleAborted
			c.EndedAt = &now
			c.EndReason = "superseded"
		}
	}
	c := domain.Cycle{ID: uuid.New().String(), Number: len(m.s.cycles) + 1, Status: domain.CycleRunning, StartedAt: now}
	m.s.cycles = append(m.s.cycles, &c)
	return c, nil
}

func (m *memCycles) End(_ domain.Context, id string, trigger domain.TriggerType, reason string, stats domain.CycleStats) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, c := range m.s.cycles {
		if c.ID == id && c.Status == domain.CycleRunning {
			now := time.Now().UTC()
			c.Status = domain.CycleCompleted
			c.EndedAt = &now
			c.TriggerType = trigger
			c.EndReason = reason
			c.Stats = stats
			return nil
		}
	}
	return domain.ErrConflict
}

func (m *memCycles) UpdateStats(_ domain.Context, id string, stats domain.CycleStats) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, c := range m.s.cycles {
		if c.ID == id {
			c.Stats = stats
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memCycles) StatsSince(_ domain.Context, since time.Time) (domain.CycleStats, error) {
	if m.s.statsFn != nil {
		return m.s.statsFn(since), nil
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var stats domain.CycleStats
	for _, t := range m.s.tasks {
		if t.UpdatedAt.Before(since) {
			continue
		}
		switch t.Status {
		case domain.TaskDone:
			stats.TasksCompleted++
		case domain.TaskFailed:
			stats.TasksFailed++
		case domain.TaskCancelled:
			stats.TasksCancelled++
		}
	}
	for _, r := range m.s.runs {
		if !r.StartedAt.Before(since) {
			stats.RunsTotal++
		}
	}
	return stats, nil
}

// --- Queue ---

type queuedJob struct {
	Env    domain.JobEnvelope
	Name   string
	Delay  time.Duration
	Reason string
}

type memQueue struct {
	mu      sync.Mutex
	jobs    []queuedJob
	dead    []queuedJob
	pending int
	seq     int
}

func (q *memQueue) Enqueue(_ domain.Context, env domain.JobEnvelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.jobs = append(q.jobs, queuedJob{Env: env, Name: "task:" + env.TaskID})
	return fmt.Sprintf("job-%d", q.seq), nil
}

func (q *memQueue) Requeue(_ domain.Context, env domain.JobEnvelope, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.jobs = append(q.jobs, queuedJob{Env: env, Name: "retry:" + env.TaskID, Delay: delay})
	return fmt.Sprintf("job-%d", q.seq), nil
}

func (q *memQueue) DeadLetter(_ domain.Context, env domain.JobEnvelope, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, queuedJob{Env: env, Name: "dead:" + env.TaskID, Reason: reason})
	return nil
}

func (q *memQueue) Obliterate(_ domain.Context, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
	return nil
}

func (q *memQueue) PendingCount(_ domain.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, nil
}

func (q *memQueue) deadAll() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedJob, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *memQueue) all() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// --- PlannerRunner ---

type fakePlanner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]domain.PlannerResult
	err     error
}

func (p *fakePlanner) Run(_ domain.Context, command, _ string) (domain.PlannerResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, command)
	if p.err != nil {
		return domain.PlannerResult{}, p.err
	}
	if res, ok := p.results[command]; ok {
		return res, nil
	}
	return domain.PlannerResult{ExitCode: 0}, nil
}

func (p *fakePlanner) callCount(command string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == command {
			n++
		}
	}
	return n
}

// --- CostTracker ---

type fakeCosts struct {
	mu     sync.Mutex
	tokens map[string]int64
	cost   map[string]float64
}

func newFakeCosts() *fakeCosts {
	return &fakeCosts{tokens: map[string]int64{}, cost: map[string]float64{}}
}

func (c *fakeCosts) AddUsage(_ domain.Context, cycleID string, tokens int64, costUSD float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[cycleID] += tokens
	c.cost[cycleID] += costUSD
	return nil
}

func (c *fakeCosts) Usage(_ domain.Context, cycleID string) (int64, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[cycleID], c.cost[cycleID], nil
}

func (c *fakeCosts) Reset(_ domain.Context, cycleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, cycleID)
	delete(c.cost, cycleID)
	return nil
}
