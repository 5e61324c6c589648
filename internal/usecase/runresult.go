package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	"github.com/andyyyy64/opentiger/internal/domain"
)

// RunResults ingests run outcomes reported by the external workers. It closes
// the run, books the run's spend against the cycle, releases the agent, and
// hands the task to the judge gate or the retry controller.
type RunResults struct {
	Tasks  domain.TaskRepository
	Runs   domain.RunRepository
	Leases domain.LeaseRepository
	Agents domain.AgentRepository
	Cycles domain.CycleRepository
	Retry  *RetryController
	Events *Events
	Costs  domain.CostTracker
}

// judgeApplies reports whether a successful run must pass the judge gate.
// Feature-lane code work and all research go through review; docser,
// conflict-recovery, and unlaned tasks complete directly.
func judgeApplies(task domain.Task) bool {
	if task.Kind == domain.KindResearch {
		return true
	}
	return task.Kind == domain.KindCode && task.Lane == domain.LaneFeature
}

// Complete records a finished run and advances the task. usage is the spend
// the worker measured for this attempt; it feeds the cycle cost limits.
func (rr *RunResults) Complete(ctx domain.Context, runID string, status domain.RunStatus, errMsg string, meta domain.ErrorMeta, usage domain.RunUsage) error {
	tracer := otel.Tracer("usecase.runresult")
	ctx, span := tracer.Start(ctx, "CompleteRun")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID), attribute.String("run.status", string(status)))

	run, err := rr.Runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("op=runresult.get: %w", err)
	}
	if run.Status != domain.RunRunning {
		// Late duplicate report; runs are append-only and already closed.
		return nil
	}
	if err := rr.Runs.Finish(ctx, runID, status, errMsg, meta); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("op=runresult.finish: %w", err)
	}
	run.Status = status
	run.ErrorMessage = errMsg
	run.ErrorMeta = meta

	rr.bookUsage(ctx, runID, usage)

	// The agent is free again either way; the lease goes with it.
	if err := rr.Leases.Release(ctx, run.TaskID); err != nil {
		slog.Error("lease release failed", slog.String("task_id", run.TaskID), slog.Any("error", err))
	}
	if err := rr.Agents.MarkIdle(ctx, run.AgentID); err != nil {
		slog.Error("agent re-idle failed", slog.String("agent_id", run.AgentID), slog.Any("error", err))
	}

	task, err := rr.Tasks.Get(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("op=runresult.task: %w", err)
	}

	switch status {
	case domain.RunSuccess:
		if judgeApplies(task) {
			if err := rr.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskRunning, domain.TaskBlocked, domain.BlockAwaitingJudge); err != nil {
				return fmt.Errorf("op=runresult.to_judge: %w", err)
			}
			slog.Info("task awaiting judge", slog.String("task_id", task.ID), slog.String("run_id", runID))
		} else {
			if err := rr.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskRunning, domain.TaskDone, ""); err != nil {
				return fmt.Errorf("op=runresult.to_done: %w", err)
			}
			slog.Info("task done", slog.String("task_id", task.ID), slog.String("run_id", runID))
		}
		observability.TasksRunning.Dec()
		return nil
	case domain.RunFailed:
		_, err := rr.Retry.OnRunFailure(ctx, task, run)
		return err
	case domain.RunCancelled:
		observability.TasksRunning.Dec()
		return nil
	default:
		return fmt.Errorf("op=runresult.status %q: %w", status, domain.ErrInvalidArgument)
	}
}

// bookUsage adds the run's spend to the running cycle's counters. Spend is
// advisory: a booking failure never blocks the lifecycle transition.
func (rr *RunResults) bookUsage(ctx domain.Context, runID string, usage domain.RunUsage) {
	if rr.Costs == nil || (usage.Tokens <= 0 && usage.CostUSD <= 0) {
		return
	}
	cycle, err := rr.Cycles.Current(ctx)
	if err != nil {
		slog.Warn("no running cycle for usage booking", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	if err := rr.Costs.AddUsage(ctx, cycle.ID, usage.Tokens, usage.CostUSD); err != nil {
		slog.Error("usage booking failed",
			slog.String("run_id", runID),
			slog.String("cycle_id", cycle.ID),
			slog.Any("error", err))
	}
}
