package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyyyy64/opentiger/internal/domain"
)

func TestComplete_SuccessWithoutJudgeGate(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	task := dispatchOne(t, h, domain.Task{Title: "docs", Goal: "write docs", Kind: domain.KindCode, Role: domain.RoleDocser, Lane: domain.LaneDocser, TimeboxMinutes: 30}, "agent-1")
	run, err := h.runs.LatestByTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, h.results.Complete(ctx, run.ID, domain.RunSuccess, "", domain.ErrorMeta{}, domain.RunUsage{}))

	got, _ := h.tasks.Get(ctx, task.ID)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.Empty(t, got.BlockReason)
	// No judge gate, no judge.review event.
	assert.Zero(t, h.eventsR.countByType(domain.EventJudgeReview))

	agent, _ := h.agents.Get(ctx, "agent-1")
	assert.Equal(t, domain.AgentIdle, agent.Status)
	_, err = h.leases.ByTask(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestComplete_SuccessEntersJudgeGate(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleWorker, Lane: domain.LaneFeature, AllowedPaths: []string{"apps/api/**"}, TimeboxMinutes: 30}, "agent-1")
	run, err := h.runs.LatestByTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, h.results.Complete(ctx, run.ID, domain.RunSuccess, "", domain.ErrorMeta{}, domain.RunUsage{}))

	got, _ := h.tasks.Get(ctx, task.ID)
	assert.Equal(t, domain.TaskBlocked, got.Status)
	assert.Equal(t, domain.BlockAwaitingJudge, got.BlockReason)
}

func TestComplete_FailureDelegatesToRetry(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleWorker, Lane: domain.LaneFeature, TimeboxMinutes: 30}, "agent-1")
	run, err := h.runs.LatestByTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, h.results.Complete(ctx, run.ID, domain.RunFailed, "context deadline exceeded", domain.ErrorMeta{}, domain.RunUsage{}))

	got, _ := h.tasks.Get(ctx, task.ID)
	assert.Equal(t, domain.TaskQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, h.eventsR.countByType(domain.EventTaskRequeued))
}

func TestComplete_DuplicateReportIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleDocser, Lane: domain.LaneDocser, TimeboxMinutes: 30}, "agent-1")
	run, err := h.runs.LatestByTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, h.results.Complete(ctx, run.ID, domain.RunSuccess, "", domain.ErrorMeta{}, domain.RunUsage{}))
	// A late duplicate (worker retransmit) is a no-op.
	require.NoError(t, h.results.Complete(ctx, run.ID, domain.RunFailed, "late duplicate", domain.ErrorMeta{}, domain.RunUsage{}))

	got, _ := h.tasks.Get(ctx, task.ID)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestComplete_BooksUsageAgainstCycle(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	cycle, err := h.controller.EnsureCycle(ctx)
	require.NoError(t, err)
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleDocser, Lane: domain.LaneDocser, TimeboxMinutes: 30}, "agent-1")
	run, err := h.runs.LatestByTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, h.results.Complete(ctx, run.ID, domain.RunSuccess, "", domain.ErrorMeta{}, domain.RunUsage{Tokens: 2500, CostUSD: 0.12}))

	tokens, cost, err := h.costs.Usage(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), tokens)
	assert.InDelta(t, 0.12, cost, 1e-9)

	// The stats tick folds booked tokens into the cycle snapshot.
	require.NoError(t, h.controller.StatsTick(ctx))
	current, err := h.cycles.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), current.Stats.TotalTokens)
}

func TestComplete_ZeroUsageBooksNothing(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	cycle, err := h.controller.EnsureCycle(ctx)
	require.NoError(t, err)
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleDocser, Lane: domain.LaneDocser, TimeboxMinutes: 30}, "agent-1")
	run, err := h.runs.LatestByTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, h.results.Complete(ctx, run.ID, domain.RunSuccess, "", domain.ErrorMeta{}, domain.RunUsage{}))
	tokens, cost, err := h.costs.Usage(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Zero(t, tokens)
	assert.Zero(t, cost)
}

func TestCancel_NonTerminalTask(t *testing.T) {
	t.Parallel()
	h := newHarness()
	ctx := context.Background()
	task := dispatchOne(t, h, domain.Task{Title: "t", Goal: "g", Kind: domain.KindCode, Role: domain.RoleWorker, Lane: domain.LaneFeature, TimeboxMinutes: 30}, "agent-1")

	require.NoError(t, h.canceller.Cancel(ctx, task.ID))
	got, _ := h.tasks.Get(ctx, task.ID)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	assert.Equal(t, []string{task.ID}, h.wrk.Cancelled())

	// Terminal tasks refuse administrative cancel.
	err := h.canceller.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}
