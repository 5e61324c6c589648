// Package worker hosts implementations of the worker adapter port. The real
// LLM workers live outside this repository; the stub records notifications
// for tests and local development.
package worker

import (
	"log/slog"
	"sync"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// StartedRun captures one StartRun notification.
type StartedRun struct {
	Task         domain.Task
	RunID        string
	AgentID      string
	PriorFailure string
}

// Stub is an in-memory WorkerAdapter.
type Stub struct {
	mu        sync.Mutex
	started   []StartedRun
	cancelled []string
	// StartErr, when set, is returned from StartRun.
	StartErr error
}

// NewStub builds a Stub adapter.
func NewStub() *Stub { return &Stub{} }

// StartRun records the handoff.
func (s *Stub) StartRun(_ domain.Context, task domain.Task, runID, agentID string, priorFailure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = append(s.started, StartedRun{Task: task, RunID: runID, AgentID: agentID, PriorFailure: priorFailure})
	slog.Debug("stub worker started run",
		slog.String("task_id", task.ID),
		slog.String("run_id", runID),
		slog.String("agent_id", agentID))
	return nil
}

// SignalCancel records the cancellation signal.
func (s *Stub) SignalCancel(_ domain.Context, taskID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, taskID)
	return nil
}

// Started returns a copy of recorded run starts.
func (s *Stub) Started() []StartedRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StartedRun, len(s.started))
	copy(out, s.started)
	return out
}

// Cancelled returns a copy of recorded cancellation signals.
func (s *Stub) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cancelled))
	copy(out, s.cancelled)
	return out
}
