package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	"github.com/andyyyy64/opentiger/internal/domain"
)

// CycleController supervises epochs: it evaluates end triggers, runs anomaly
// scans and cost checks, drives replanning when the system drains, and keeps
// the fleet healthy through periodic cleanup.
type CycleController struct {
	Tasks  domain.TaskRepository
	Runs   domain.RunRepository
	Cycles domain.CycleRepository
	Agents domain.AgentRepository
	Leases domain.LeaseRepository
	Queue  domain.Queue
	Worker domain.WorkerAdapter
	Events *Events
	Costs  domain.CostTracker

	LeaseMgr *LeaseManager
	Judge    *JudgeGateway
	Replan   *Replanner
	Scanner  *AnomalyScanner

	MaxDuration      time.Duration
	MaxTasks         int
	MaxFailureRate   float64
	MinTasksForCheck int
	MaxTokens        int64
	MaxCostUSD       float64
	StuckRunGrace    time.Duration
	HeartbeatTimeout time.Duration
	AutoReplan       bool

	MonitorInterval time.Duration
	CleanupInterval time.Duration
	StatsInterval   time.Duration
}

// EnsureCycle returns the running cycle, starting the first one if needed.
func (c *CycleController) EnsureCycle(ctx domain.Context) (domain.Cycle, error) {
	cycle, err := c.Cycles.Current(ctx)
	if err == nil {
		return cycle, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Cycle{}, err
	}
	cycle, err = c.Cycles.Start(ctx)
	if err != nil {
		return domain.Cycle{}, err
	}
	slog.Info("cycle started", slog.Int("number", cycle.Number), slog.String("cycle_id", cycle.ID))
	return cycle, nil
}

// currentStats recomputes stats and merges token usage from the cost tracker.
func (c *CycleController) currentStats(ctx domain.Context, cycle domain.Cycle) (domain.CycleStats, error) {
	stats, err := c.Cycles.StatsSince(ctx, cycle.StartedAt)
	if err != nil {
		return domain.CycleStats{}, err
	}
	if c.Costs != nil {
		if tokens, _, err := c.Costs.Usage(ctx, cycle.ID); err == nil {
			stats.TotalTokens = tokens
		}
	}
	// Judge-approved PR counters ride along in the previous snapshot.
	stats.PRsOpened = cycle.Stats.PRsOpened
	stats.PRsMerged = cycle.Stats.PRsMerged
	return stats, nil
}

// endTrigger evaluates the cycle-end conditions in order: time, task count,
// failure rate.
func (c *CycleController) endTrigger(cycle domain.Cycle, stats domain.CycleStats, now time.Time) (domain.TriggerType, string, bool) {
	if c.MaxDuration > 0 && now.Sub(cycle.StartedAt) > c.MaxDuration {
		return domain.TriggerTime, fmt.Sprintf("cycle exceeded %s", c.MaxDuration), true
	}
	if c.MaxTasks != -1 && stats.Finished() >= c.MaxTasks {
		return domain.TriggerTaskCount, fmt.Sprintf("%d tasks finished (limit %d)", stats.Finished(), c.MaxTasks), true
	}
	if stats.Finished() >= c.MinTasksForCheck && stats.FailureRate() > c.MaxFailureRate {
		return domain.TriggerFailureRate, fmt.Sprintf("failure rate %.2f over %d tasks (limit %.2f)", stats.FailureRate(), stats.Finished(), c.MaxFailureRate), true
	}
	return "", "", false
}

// EndCycle closes the running cycle and starts the next one. Task state is
// preserved; only the epoch rolls over.
func (c *CycleController) EndCycle(ctx domain.Context, cycle domain.Cycle, trigger domain.TriggerType, reason string) (domain.Cycle, error) {
	stats, err := c.currentStats(ctx, cycle)
	if err != nil {
		return domain.Cycle{}, err
	}
	c.Events.Emit(ctx, domain.EventCycleEndTriggered, "cycle", cycle.ID, map[string]any{
		"triggerType": string(trigger),
		"reason":      reason,
		"number":      cycle.Number,
	})
	if err := c.Cycles.End(ctx, cycle.ID, trigger, reason, stats); err != nil {
		return domain.Cycle{}, err
	}
	observability.CyclesEndedTotal.WithLabelValues(string(trigger)).Inc()
	if c.Costs != nil {
		_ = c.Costs.Reset(ctx, cycle.ID)
	}
	next, err := c.Cycles.Start(ctx)
	if err != nil {
		return domain.Cycle{}, err
	}
	slog.Info("cycle rolled over",
		slog.Int("ended", cycle.Number),
		slog.Int("started", next.Number),
		slog.String("trigger", string(trigger)),
		slog.String("reason", reason))
	return next, nil
}

// MonitorTick is the main supervision step: end triggers, anomaly scan, cost
// limits, and conditional replan.
func (c *CycleController) MonitorTick(ctx domain.Context) error {
	tracer := otel.Tracer("usecase.cycle")
	ctx, span := tracer.Start(ctx, "MonitorTick")
	defer span.End()

	cycle, err := c.EnsureCycle(ctx)
	if err != nil {
		return fmt.Errorf("op=cycle.ensure: %w", err)
	}
	stats, err := c.currentStats(ctx, cycle)
	if err != nil {
		return fmt.Errorf("op=cycle.stats: %w", err)
	}
	now := time.Now().UTC()

	if trigger, reason, ok := c.endTrigger(cycle, stats, now); ok {
		if cycle, err = c.EndCycle(ctx, cycle, trigger, reason); err != nil {
			return fmt.Errorf("op=cycle.end: %w", err)
		}
		stats = domain.CycleStats{}
	}

	anomalies := c.Scanner.Scan(ctx, cycle, stats)
	if AnyCritical(anomalies) {
		if cycle, err = c.EndCycle(ctx, cycle, domain.TriggerManual, "critical anomaly"); err != nil {
			return fmt.Errorf("op=cycle.end_anomaly: %w", err)
		}
	}

	if err := c.checkCostLimits(ctx, cycle); err != nil {
		return err
	}

	// Rework tasks whose cooldown elapsed go back to the queue.
	if _, err := c.Judge.RequeueRework(ctx); err != nil {
		slog.Error("rework requeue failed", slog.Any("error", err))
	}

	if c.AutoReplan {
		if empty, err := c.systemDrained(ctx); err == nil && empty {
			if err := c.Replan.Evaluate(ctx); err != nil {
				slog.Error("replan evaluation failed", slog.Any("error", err))
			}
		}
	}
	span.SetAttributes(attribute.Int("cycle.number", cycle.Number))
	return nil
}

// systemDrained reports whether the queue is empty and nothing runs.
func (c *CycleController) systemDrained(ctx domain.Context) (bool, error) {
	pending, err := c.Queue.PendingCount(ctx)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	counts, err := c.Tasks.CountByStatus(ctx)
	if err != nil {
		return false, err
	}
	return counts[domain.TaskRunning] == 0 && counts[domain.TaskQueued] == 0, nil
}

func (c *CycleController) checkCostLimits(ctx domain.Context, cycle domain.Cycle) error {
	if c.Costs == nil {
		return nil
	}
	tokens, cost, err := c.Costs.Usage(ctx, cycle.ID)
	if err != nil {
		return nil
	}
	overTokens := c.MaxTokens > 0 && tokens > c.MaxTokens
	overCost := c.MaxCostUSD > 0 && cost > c.MaxCostUSD
	if !overTokens && !overCost {
		return nil
	}
	c.Events.Emit(ctx, domain.EventCostLimitExceeded, "cycle", cycle.ID, map[string]any{
		"tokens":    tokens,
		"costUsd":   cost,
		"maxTokens": c.MaxTokens,
		"maxCost":   c.MaxCostUSD,
	})
	if _, err := c.EndCycle(ctx, cycle, domain.TriggerManual, "cost limit exceeded"); err != nil {
		return fmt.Errorf("op=cycle.end_cost: %w", err)
	}
	return nil
}

// CleanupTick reclaims expired leases and dead agents, re-idles offline
// agents that came back, and cancels runs stuck past their timebox.
func (c *CycleController) CleanupTick(ctx domain.Context) error {
	tracer := otel.Tracer("usecase.cycle")
	ctx, span := tracer.Start(ctx, "CleanupTick")
	defer span.End()

	if _, err := c.LeaseMgr.ReclaimDeadAgents(ctx); err != nil {
		slog.Error("dead agent reclamation failed", slog.Any("error", err))
	}
	if _, err := c.LeaseMgr.ReclaimExpiredLeases(ctx); err != nil {
		slog.Error("expired lease reclamation failed", slog.Any("error", err))
	}
	c.reviveOfflineAgents(ctx)
	c.cancelStuckRuns(ctx)
	return nil
}

// reviveOfflineAgents re-idles offline agents that heartbeated again.
func (c *CycleController) reviveOfflineAgents(ctx domain.Context) {
	offline, err := c.Agents.ListOffline(ctx, 100)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for _, a := range offline {
		if a.Healthy(now, c.HeartbeatTimeout) {
			if err := c.Agents.MarkIdle(ctx, a.ID); err == nil {
				slog.Info("offline agent revived", slog.String("agent_id", a.ID))
			}
		}
	}
}

// cancelStuckRuns cancels runs past timebox+grace, signals the worker, and
// returns the task to the queue.
func (c *CycleController) cancelStuckRuns(ctx domain.Context) {
	now := time.Now().UTC()
	runs, err := c.Runs.ListRunningOlderThan(ctx, now.Add(-c.StuckRunGrace), 50)
	if err != nil {
		return
	}
	for _, run := range runs {
		task, err := c.Tasks.Get(ctx, run.TaskID)
		if err != nil {
			continue
		}
		if now.Sub(run.StartedAt) <= task.Timebox()+c.StuckRunGrace {
			continue
		}
		if err := c.Runs.Finish(ctx, run.ID, domain.RunCancelled, "run exceeded timebox", domain.ErrorMeta{}); err != nil {
			continue
		}
		_ = c.Worker.SignalCancel(ctx, task.ID, run.AgentID)
		_ = c.Leases.Release(ctx, task.ID)
		_ = c.Agents.MarkIdle(ctx, run.AgentID)
		if err := c.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskRunning, domain.TaskQueued, ""); err == nil {
			_, _ = c.Queue.Enqueue(ctx, domain.JobEnvelope{TaskID: task.ID, Priority: task.Priority})
			observability.TasksRunning.Dec()
		}
		slog.Warn("stuck run cancelled",
			slog.String("run_id", run.ID),
			slog.String("task_id", task.ID),
			slog.Duration("age", now.Sub(run.StartedAt)))
	}
}

// StatsTick recomputes and persists the cycle snapshot.
func (c *CycleController) StatsTick(ctx domain.Context) error {
	cycle, err := c.Cycles.Current(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	stats, err := c.currentStats(ctx, cycle)
	if err != nil {
		return err
	}
	if err := c.Cycles.UpdateStats(ctx, cycle.ID, stats); err != nil {
		return err
	}
	if counts, err := c.Tasks.CountByStatus(ctx); err == nil {
		observability.TasksRunning.Set(float64(counts[domain.TaskRunning]))
	}
	return nil
}

// Run drives the three supervisor timers until the context ends.
func (c *CycleController) Run(ctx domain.Context) error {
	if _, err := c.EnsureCycle(ctx); err != nil {
		return err
	}
	monitor := time.NewTicker(c.MonitorInterval)
	cleanup := time.NewTicker(c.CleanupInterval)
	stats := time.NewTicker(c.StatsInterval)
	defer monitor.Stop()
	defer cleanup.Stop()
	defer stats.Stop()

	slog.Info("cycle supervisor running",
		slog.Duration("monitor_interval", c.MonitorInterval),
		slog.Duration("cleanup_interval", c.CleanupInterval),
		slog.Duration("stats_interval", c.StatsInterval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("cycle supervisor stopping")
			return nil
		case <-monitor.C:
			if err := c.MonitorTick(ctx); err != nil {
				slog.Error("monitor tick failed", slog.Any("error", err))
			}
		case <-cleanup.C:
			if err := c.CleanupTick(ctx); err != nil {
				slog.Error("cleanup tick failed", slog.Any("error", err))
			}
		case <-stats.C:
			if err := c.StatsTick(ctx); err != nil {
				slog.Error("stats tick failed", slog.Any("error", err))
			}
		}
	}
}
