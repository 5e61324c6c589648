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

// LeaseManager owns the lease lifecycle: acquisition happens in the
// dispatcher; heartbeats renew here; dead-agent reclamation returns stranded
// tasks to the queue without touching their retry count.
type LeaseManager struct {
	Tasks  domain.TaskRepository
	Runs   domain.RunRepository
	Leases domain.LeaseRepository
	Agents domain.AgentRepository
	Queue  domain.Queue

	HeartbeatTimeout time.Duration
	RunningRunGrace  time.Duration
	LeaseTTL         time.Duration
}

// RegisterAgent upserts an agent. Registration re-idles an agent only when it
// is not busy; a busy agent keeps its claim.
func (m *LeaseManager) RegisterAgent(ctx domain.Context, agent domain.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("op=lease.register: agent id: %w", domain.ErrInvalidArgument)
	}
	if err := m.Agents.Upsert(ctx, agent); err != nil {
		return err
	}
	slog.Info("agent registered", slog.String("agent_id", agent.ID), slog.String("role", string(agent.Role)))
	return nil
}

// Heartbeat refreshes agent liveness and extends the agent's leases. It never
// regresses busy to idle.
func (m *LeaseManager) Heartbeat(ctx domain.Context, agentID string) error {
	now := time.Now().UTC()
	if err := m.Agents.Heartbeat(ctx, agentID, now); err != nil {
		return err
	}
	if err := m.Leases.Extend(ctx, agentID, m.LeaseTTL); err != nil {
		return err
	}
	return nil
}

// ReclaimDeadAgents sweeps agents whose heartbeat lapsed (strictly older than
// heartbeatTimeout) and returns their leased tasks to queued. An agent with a
// recent running run is skipped so long in-flight work survives heartbeat
// jitter. Reclamation is silent at the task level: retry counts are untouched
// and no task event is emitted.
func (m *LeaseManager) ReclaimDeadAgents(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("usecase.lease")
	ctx, span := tracer.Start(ctx, "ReclaimDeadAgents")
	defer span.End()

	now := time.Now().UTC()
	cutoff := now.Add(-m.HeartbeatTimeout)
	dead, err := m.Agents.ListDead(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("op=lease.list_dead: %w", err)
	}
	reclaimed := 0
	for _, agent := range dead {
		if m.hasProtectedRun(ctx, agent.ID, now) {
			continue
		}
		n, err := m.reclaimAgent(ctx, agent, now)
		if err != nil {
			slog.Error("lease reclamation failed",
				slog.String("agent_id", agent.ID),
				slog.Any("error", err))
			continue
		}
		reclaimed += n
	}
	span.SetAttributes(attribute.Int("leases.reclaimed", reclaimed))
	return reclaimed, nil
}

// hasProtectedRun reports whether the agent has a running run younger than
// the grace window.
func (m *LeaseManager) hasProtectedRun(ctx domain.Context, agentID string, now time.Time) bool {
	run, err := m.Runs.RunningByAgent(ctx, agentID)
	if err != nil {
		return false
	}
	return now.Sub(run.StartedAt) < m.RunningRunGrace
}

func (m *LeaseManager) reclaimAgent(ctx domain.Context, agent domain.Agent, now time.Time) (int, error) {
	leases, err := m.Leases.ByAgent(ctx, agent.ID)
	if err != nil {
		return 0, fmt.Errorf("op=lease.by_agent: %w", err)
	}
	reclaimed := 0
	for _, lease := range leases {
		// CAS running back to queued; a task that already moved on is left
		// alone but its lease still goes away.
		err := m.Tasks.UpdateStatusIf(ctx, lease.TaskID, domain.TaskRunning, domain.TaskQueued, "")
		requeue := err == nil
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return reclaimed, fmt.Errorf("op=lease.requeue_task: %w", err)
		}
		if err := m.Leases.Release(ctx, lease.TaskID); err != nil {
			return reclaimed, err
		}
		if requeue {
			// Keep the task schedulable: hand the queue a fresh envelope.
			task, err := m.Tasks.Get(ctx, lease.TaskID)
			if err == nil {
				if _, err := m.Queue.Enqueue(ctx, domain.JobEnvelope{TaskID: task.ID, Priority: task.Priority}); err != nil {
					slog.Error("re-enqueue after reclamation failed",
						slog.String("task_id", task.ID),
						slog.Any("error", err))
				}
			}
			observability.TasksRunning.Dec()
		}
		observability.LeasesReclaimedTotal.Inc()
		reclaimed++
	}
	if err := m.Agents.MarkOffline(ctx, agent.ID); err != nil {
		return reclaimed, err
	}
	slog.Info("dead agent reclaimed",
		slog.String("agent_id", agent.ID),
		slog.Int("leases", reclaimed))
	return reclaimed, nil
}

// ReclaimExpiredLeases releases leases whose expiry lapsed even though the
// owning agent still heartbeats; the same running-run grace applies.
func (m *LeaseManager) ReclaimExpiredLeases(ctx domain.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := m.Leases.ListExpired(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("op=lease.list_expired: %w", err)
	}
	reclaimed := 0
	for _, lease := range expired {
		if m.hasProtectedRun(ctx, lease.AgentID, now) {
			continue
		}
		err := m.Tasks.UpdateStatusIf(ctx, lease.TaskID, domain.TaskRunning, domain.TaskQueued, "")
		requeue := err == nil
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return reclaimed, err
		}
		if err := m.Leases.Release(ctx, lease.TaskID); err != nil {
			return reclaimed, err
		}
		_ = m.Agents.MarkIdle(ctx, lease.AgentID)
		if requeue {
			task, err := m.Tasks.Get(ctx, lease.TaskID)
			if err == nil {
				_, _ = m.Queue.Enqueue(ctx, domain.JobEnvelope{TaskID: task.ID, Priority: task.Priority})
			}
			observability.TasksRunning.Dec()
		}
		observability.LeasesReclaimedTotal.Inc()
		reclaimed++
	}
	return reclaimed, nil
}
