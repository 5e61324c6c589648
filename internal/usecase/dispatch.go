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

// Dispatcher consumes claimed job envelopes and turns queued tasks into
// running ones: target-area derivation, conflict refusal, agent selection,
// lease installation, and run creation. Every transition is a conditional
// store update, so concurrent dispatchers race safely and losers drop out.
type Dispatcher struct {
	Tasks  domain.TaskRepository
	Runs   domain.RunRepository
	Leases domain.LeaseRepository
	Agents domain.AgentRepository
	Queue  domain.Queue
	Worker domain.WorkerAdapter

	HeartbeatTimeout time.Duration
	LeaseTTL         time.Duration
	// RequeueDelay spaces re-attempts when no agent or the area is busy.
	RequeueDelay time.Duration
}

// HandleEnvelope processes one claimed envelope. A nil return acks the job;
// expected waits (area busy, no idle agent) requeue explicitly and ack.
func (d *Dispatcher) HandleEnvelope(ctx domain.Context, env domain.JobEnvelope, jobID string) error {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", env.TaskID))

	task, err := d.Tasks.Get(ctx, env.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			observability.DispatchOutcome("stale")
			return nil
		}
		return fmt.Errorf("op=dispatch.get_task: %w", err)
	}
	// Stale envelope: the task moved on while the job sat in the queue.
	if task.Status != domain.TaskQueued {
		observability.DispatchOutcome("stale")
		slog.Debug("dropping stale envelope",
			slog.String("task_id", task.ID),
			slog.String("status", string(task.Status)))
		return nil
	}
	depsDone, err := d.Tasks.DependenciesDone(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("op=dispatch.deps: %w", err)
	}
	if !depsDone {
		observability.DispatchOutcome("deps_pending")
		return nil
	}

	// Persist a deterministic target area on first contact.
	if task.TargetArea == "" {
		if area := domain.DeriveTargetArea(task, jobID); area != "" {
			if err := d.Tasks.SetTargetArea(ctx, task.ID, area); err != nil {
				return fmt.Errorf("op=dispatch.set_area: %w", err)
			}
			task.TargetArea = area
		}
	}

	busy, err := d.areaBusy(ctx, task)
	if err != nil {
		return err
	}
	if busy {
		observability.DispatchOutcome("area_busy")
		return d.requeueLater(ctx, env, task.ID)
	}

	agent, err := d.selectAgent(ctx, env, task)
	if err != nil {
		if errors.Is(err, domain.ErrNoIdleAgent) {
			observability.DispatchOutcome("no_agent")
			return d.requeueLater(ctx, env, task.ID)
		}
		return err
	}

	// Lease first: its uniqueness constraint is the arbiter between racing
	// dispatchers.
	if _, err := d.Leases.Acquire(ctx, task.ID, agent.ID, d.LeaseTTL); err != nil {
		if errors.Is(err, domain.ErrLeaseHeld) {
			observability.DispatchOutcome("lease_lost")
			return nil
		}
		return fmt.Errorf("op=dispatch.lease: %w", err)
	}
	if err := d.Agents.MarkBusy(ctx, agent.ID, task.ID); err != nil {
		_ = d.Leases.Release(ctx, task.ID)
		if errors.Is(err, domain.ErrConflict) {
			observability.DispatchOutcome("agent_taken")
			return d.requeueLater(ctx, env, task.ID)
		}
		return fmt.Errorf("op=dispatch.mark_busy: %w", err)
	}
	if err := d.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskQueued, domain.TaskRunning, ""); err != nil {
		_ = d.Leases.Release(ctx, task.ID)
		_ = d.Agents.MarkIdle(ctx, agent.ID)
		if errors.Is(err, domain.ErrConflict) {
			observability.DispatchOutcome("cas_lost")
			return nil
		}
		return fmt.Errorf("op=dispatch.to_running: %w", err)
	}

	// Read the previous attempt before this attempt's run becomes the latest.
	prior := d.priorFailureSummary(ctx, task)
	runID, err := d.Runs.Create(ctx, domain.Run{TaskID: task.ID, AgentID: agent.ID, Status: domain.RunRunning})
	if err != nil {
		// Roll the claim back; the envelope retries with a jittered delay.
		_ = d.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskRunning, domain.TaskQueued, "")
		_ = d.Leases.Release(ctx, task.ID)
		_ = d.Agents.MarkIdle(ctx, agent.ID)
		return fmt.Errorf("op=dispatch.create_run: %w", err)
	}

	if err := d.Worker.StartRun(ctx, task, runID, agent.ID, prior); err != nil {
		_ = d.Runs.Finish(ctx, runID, domain.RunFailed, "worker start failed: "+err.Error(), domain.ErrorMeta{})
		_ = d.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskRunning, domain.TaskQueued, "")
		_ = d.Leases.Release(ctx, task.ID)
		_ = d.Agents.MarkIdle(ctx, agent.ID)
		return fmt.Errorf("op=dispatch.start_worker: %w", err)
	}

	observability.DispatchOutcome("dispatched")
	observability.TasksRunning.Inc()
	slog.Info("task dispatched",
		slog.String("task_id", task.ID),
		slog.String("agent_id", agent.ID),
		slog.String("run_id", runID),
		slog.String("target_area", task.TargetArea))
	return nil
}

// areaBusy applies the feature-lane conflict rules: a non-empty shared target
// area or a glob-aware path overlap with an active feature peer refuses
// dispatch, unless the overlap was planned as an explicit dependency.
func (d *Dispatcher) areaBusy(ctx domain.Context, task domain.Task) (bool, error) {
	if task.Lane != domain.LaneFeature {
		return false, nil
	}
	deps := map[string]bool{}
	for _, dep := range task.Dependencies {
		deps[dep] = true
	}
	if task.TargetArea != "" {
		peers, err := d.Tasks.ActivePeersInArea(ctx, task.TargetArea, task.ID)
		if err != nil {
			return false, fmt.Errorf("op=dispatch.area_peers: %w", err)
		}
		for _, p := range peers {
			if p.Status == domain.TaskRunning && !deps[p.ID] {
				return true, nil
			}
		}
	}
	running, err := d.Tasks.ListByStatus(ctx, domain.TaskRunning, 200)
	if err != nil {
		return false, fmt.Errorf("op=dispatch.running_peers: %w", err)
	}
	mine := append(append([]string{}, task.Touches...), task.AllowedPaths...)
	for _, p := range running {
		if p.ID == task.ID || p.Lane != domain.LaneFeature || deps[p.ID] {
			continue
		}
		theirs := append(append([]string{}, p.Touches...), p.AllowedPaths...)
		if domain.AnyPathOverlap(mine, theirs) {
			return true, nil
		}
	}
	return false, nil
}

// selectAgent honors a pinned agent when the envelope carries one, otherwise
// picks the least-recently-used healthy idle agent for the task's role.
func (d *Dispatcher) selectAgent(ctx domain.Context, env domain.JobEnvelope, task domain.Task) (domain.Agent, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-d.HeartbeatTimeout)
	if env.AgentID != "" {
		agent, err := d.Agents.Get(ctx, env.AgentID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Agent{}, domain.ErrNoIdleAgent
			}
			return domain.Agent{}, fmt.Errorf("op=dispatch.get_agent: %w", err)
		}
		if agent.Status != domain.AgentIdle || agent.Role != task.Role || !agent.Healthy(now, d.HeartbeatTimeout) {
			return domain.Agent{}, domain.ErrNoIdleAgent
		}
		return agent, nil
	}
	candidates, err := d.Agents.SelectIdle(ctx, task.Role, cutoff, 1)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("op=dispatch.select_idle: %w", err)
	}
	if len(candidates) == 0 {
		return domain.Agent{}, domain.ErrNoIdleAgent
	}
	return candidates[0], nil
}

// priorFailureSummary gives the worker the last attempt's failure so rework
// prompts can improve on it.
func (d *Dispatcher) priorFailureSummary(ctx domain.Context, task domain.Task) string {
	if task.RetryCount == 0 {
		return ""
	}
	last, err := d.Runs.LatestByTask(ctx, task.ID)
	if err != nil || last.Status != domain.RunFailed {
		return ""
	}
	if last.ErrorMeta.FailureCode != "" {
		return fmt.Sprintf("%s: %s", last.ErrorMeta.FailureCode, last.ErrorMessage)
	}
	return last.ErrorMessage
}

func (d *Dispatcher) requeueLater(ctx domain.Context, env domain.JobEnvelope, taskID string) error {
	delay := d.RequeueDelay
	if delay <= 0 {
		delay = 15 * time.Second
	}
	if _, err := d.Queue.Requeue(ctx, env, delay); err != nil {
		return fmt.Errorf("op=dispatch.requeue: %w", err)
	}
	slog.Debug("envelope requeued", slog.String("task_id", taskID), slog.Duration("delay", delay))
	return nil
}
