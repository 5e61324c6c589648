package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// Canceller is the administrative cancel surface. Cancellation is best-effort
// towards the worker; the lease is released by the next reclamation sweep if
// the worker never acknowledges.
type Canceller struct {
	Tasks  domain.TaskRepository
	Runs   domain.RunRepository
	Worker domain.WorkerAdapter
}

// Cancel transitions any non-terminal task to cancelled and signals a running
// worker.
func (c *Canceller) Cancel(ctx domain.Context, taskID string) error {
	if err := c.Tasks.Cancel(ctx, taskID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("op=cancel.task %s already terminal: %w", taskID, domain.ErrConflict)
		}
		return err
	}
	if run, err := c.Runs.LatestByTask(ctx, taskID); err == nil && run.Status == domain.RunRunning {
		if err := c.Worker.SignalCancel(ctx, taskID, run.AgentID); err != nil {
			slog.Warn("worker cancel signal failed",
				slog.String("task_id", taskID),
				slog.String("agent_id", run.AgentID),
				slog.Any("error", err))
		}
	}
	slog.Info("task cancelled", slog.String("task_id", taskID))
	return nil
}
