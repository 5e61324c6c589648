package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	"github.com/andyyyy64/opentiger/internal/domain"
)

// Anomaly severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Anomaly kinds.
const (
	AnomalyStuckTask       = "stuck_task"
	AnomalyHighFailureRate = "high_failure_rate"
	AnomalyCostSpike       = "cost_spike"
	AnomalyNoProgress      = "no_progress"
	AnomalyAgentTimeout    = "agent_timeout"
)

// Anomaly is one detected irregularity in the running cycle.
type Anomaly struct {
	Kind     string
	Severity string
	Message  string
}

// AnomalyScanner inspects cycle state on every monitor tick. Critical
// findings end the cycle.
type AnomalyScanner struct {
	Tasks  domain.TaskRepository
	Runs   domain.RunRepository
	Agents domain.AgentRepository
	Events *Events
	Costs  domain.CostTracker

	HeartbeatTimeout time.Duration
	StuckRunGrace    time.Duration
	MaxFailureRate   float64
	MinTasksForCheck int
	MaxTokens        int64
	NoProgressWindow time.Duration
}

// Scan runs all checks and records each finding as an event.
func (s *AnomalyScanner) Scan(ctx domain.Context, cycle domain.Cycle, stats domain.CycleStats) []Anomaly {
	now := time.Now().UTC()
	var found []Anomaly

	found = append(found, s.checkStuckTasks(ctx, now)...)
	if stats.Finished() >= s.MinTasksForCheck && stats.FailureRate() > s.MaxFailureRate {
		found = append(found, Anomaly{
			Kind:     AnomalyHighFailureRate,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("failure rate %.2f exceeds %.2f over %d finished tasks", stats.FailureRate(), s.MaxFailureRate, stats.Finished()),
		})
	}
	found = append(found, s.checkCostSpike(ctx, cycle)...)
	found = append(found, s.checkNoProgress(ctx, cycle, stats, now)...)
	found = append(found, s.checkAgentTimeouts(ctx, now)...)

	for _, a := range found {
		s.Events.Emit(ctx, domain.EventAnomalyDetected, "cycle", cycle.ID, map[string]any{
			"kind":     a.Kind,
			"severity": a.Severity,
			"message":  a.Message,
		})
		observability.AnomaliesTotal.WithLabelValues(a.Kind, a.Severity).Inc()
		slog.Warn("anomaly detected",
			slog.String("kind", a.Kind),
			slog.String("severity", a.Severity),
			slog.String("message", a.Message))
	}
	return found
}

// AnyCritical reports whether a scan result should end the cycle.
func AnyCritical(anomalies []Anomaly) bool {
	for _, a := range anomalies {
		if a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func (s *AnomalyScanner) checkStuckTasks(ctx domain.Context, now time.Time) []Anomaly {
	// A run beyond its task's timebox plus grace is stuck; the cleanup tick
	// cancels it, the scan flags it.
	runs, err := s.Runs.ListRunningOlderThan(ctx, now.Add(-s.StuckRunGrace), 50)
	if err != nil {
		return nil
	}
	var out []Anomaly
	for _, run := range runs {
		task, err := s.Tasks.Get(ctx, run.TaskID)
		if err != nil {
			continue
		}
		if now.Sub(run.StartedAt) > task.Timebox()+s.StuckRunGrace {
			out = append(out, Anomaly{
				Kind:     AnomalyStuckTask,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("task %s has been running %s, past its %dm timebox", task.ID, now.Sub(run.StartedAt).Round(time.Second), task.TimeboxMinutes),
			})
		}
	}
	return out
}

func (s *AnomalyScanner) checkCostSpike(ctx domain.Context, cycle domain.Cycle) []Anomaly {
	if s.Costs == nil || s.MaxTokens <= 0 {
		return nil
	}
	tokens, _, err := s.Costs.Usage(ctx, cycle.ID)
	if err != nil {
		return nil
	}
	if tokens > s.MaxTokens*8/10 && tokens <= s.MaxTokens {
		return []Anomaly{{
			Kind:     AnomalyCostSpike,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("token usage %d is above 80%% of the %d cycle limit", tokens, s.MaxTokens),
		}}
	}
	return nil
}

func (s *AnomalyScanner) checkNoProgress(ctx domain.Context, cycle domain.Cycle, stats domain.CycleStats, now time.Time) []Anomaly {
	if s.NoProgressWindow <= 0 || now.Sub(cycle.StartedAt) < s.NoProgressWindow {
		return nil
	}
	counts, err := s.Tasks.CountByStatus(ctx)
	if err != nil {
		return nil
	}
	if counts[domain.TaskQueued] > 0 && counts[domain.TaskRunning] == 0 && stats.RunsTotal == 0 {
		return []Anomaly{{
			Kind:     AnomalyNoProgress,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d tasks queued but no runs started this cycle", counts[domain.TaskQueued]),
		}}
	}
	return nil
}

func (s *AnomalyScanner) checkAgentTimeouts(ctx domain.Context, now time.Time) []Anomaly {
	dead, err := s.Agents.ListDead(ctx, now.Add(-s.HeartbeatTimeout), 20)
	if err != nil || len(dead) == 0 {
		return nil
	}
	return []Anomaly{{
		Kind:     AnomalyAgentTimeout,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%d agents missed their heartbeat window", len(dead)),
	}}
}
