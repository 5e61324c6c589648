package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// dispatchOne pushes a queued task through the dispatcher onto an agent.
func dispatchOne(t *testing.T, h *harness, task domain.Task, agentID string) domain.Task {
	t.Helper()
	h.addIdleAgent(agentID, task.Role)
	created := h.addQueuedTask(task)
	require.NoError(t, h.dispatcher.HandleEnvelope(context.Background(), domain.JobEnvelope{TaskID: created.ID, Priority: created.Priority}, "job-"+created.ID))
	got, err := h.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, got.Status)
	return got
}

func (h *harness) ageAgent(agentID string, age time.Duration) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	old := time.Now().UTC().Add(-age)
	h.store.agents[agentID].LastHeartbeat = &old
}

func (h *harness) ageRuns(taskID string, age time.Duration) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	for _, r := range h.store.runs {
		if r.TaskID == taskID {
			r.StartedAt = time.Now().UTC().Add(-age)
		}
	}
}

func TestReclaim_DeadAgent(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleWorker, Lane: domain.LaneFeature, TimeboxMinutes: 60}, "agent-1")

	// The agent vanishes: heartbeat past the timeout, run past the grace.
	h.ageAgent("agent-1", 5*time.Minute)
	h.ageRuns(task.ID, 20*time.Minute)

	reclaimed, err := h.leaseMgr.ReclaimDeadAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	agent, _ := h.agents.Get(ctx, "agent-1")
	assert.Equal(t, domain.AgentOffline, agent.Status)
	assert.Empty(t, agent.CurrentTaskID)

	_, err = h.leases.ByTask(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, _ := h.tasks.Get(ctx, task.ID)
	assert.Equal(t, domain.TaskQueued, got.Status)
	assert.Empty(t, got.BlockReason)
	// Reclamation never touches the retry count.
	assert.Zero(t, got.RetryCount)
	// Silent at the task level: no requeue event.
	assert.Zero(t, h.eventsR.countByType(domain.EventTaskRequeued))
}

func TestReclaim_RecentRunProtected(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleWorker, Lane: domain.LaneFeature, TimeboxMinutes: 60}, "agent-1")

	// Heartbeat lapsed but the run started moments ago: jitter protection.
	h.ageAgent("agent-1", 5*time.Minute)
	h.ageRuns(task.ID, time.Minute)

	reclaimed, err := h.leaseMgr.ReclaimDeadAgents(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	got, _ := h.tasks.Get(ctx, task.ID)
	assert.Equal(t, domain.TaskRunning, got.Status)
	_, err = h.leases.ByTask(ctx, task.ID)
	assert.NoError(t, err)
}

func TestReclaim_HealthyAgentUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleWorker, Lane: domain.LaneFeature, TimeboxMinutes: 60}, "agent-1")
	require.NoError(t, h.leaseMgr.Heartbeat(ctx, "agent-1"))

	reclaimed, err := h.leaseMgr.ReclaimDeadAgents(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	got, _ := h.tasks.Get(ctx, task.ID)
	assert.Equal(t, domain.TaskRunning, got.Status)
}

func TestHeartbeat_DoesNotRegressBusy(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleWorker, Lane: domain.LaneFeature, TimeboxMinutes: 60}, "agent-1")

	require.NoError(t, h.leaseMgr.Heartbeat(ctx, "agent-1"))
	agent, _ := h.agents.Get(ctx, "agent-1")
	assert.Equal(t, domain.AgentBusy, agent.Status)

	// Registration also keeps the busy claim.
	require.NoError(t, h.leaseMgr.RegisterAgent(ctx, domain.Agent{ID: "agent-1", Role: domain.RoleWorker}))
	agent, _ = h.agents.Get(ctx, "agent-1")
	assert.Equal(t, domain.AgentBusy, agent.Status)
}
