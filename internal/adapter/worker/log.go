package worker

import (
	"log/slog"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// LogAdapter is the boundary implementation used when the worker fleet is
// driven out-of-process: handoffs and cancel signals are logged and picked up
// by the external executor watching the run table.
type LogAdapter struct{}

// NewLogAdapter builds a LogAdapter.
func NewLogAdapter() *LogAdapter { return &LogAdapter{} }

// StartRun announces the handoff.
func (LogAdapter) StartRun(_ domain.Context, task domain.Task, runID, agentID string, priorFailure string) error {
	slog.Info("run handed to worker",
		slog.String("task_id", task.ID),
		slog.String("run_id", runID),
		slog.String("agent_id", agentID),
		slog.Bool("has_prior_failure", priorFailure != ""))
	return nil
}

// SignalCancel announces the cancellation request.
func (LogAdapter) SignalCancel(_ domain.Context, taskID, agentID string) error {
	slog.Info("cancel signalled to worker",
		slog.String("task_id", taskID),
		slog.String("agent_id", agentID))
	return nil
}
