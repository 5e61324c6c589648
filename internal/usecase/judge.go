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

// ResearchSignals carry the evidence quality of a research task's report.
type ResearchSignals struct {
	Claims             int
	MinEvidencePerClaim int
	Domains            int
	HasCounterEvidence bool
	Confidence         float64
}

// VerdictSignals are the external inputs to a judge decision.
type VerdictSignals struct {
	PolicyCompliant bool
	CIPassed        bool
	ReviewApproved  bool
	Research        *ResearchSignals
}

// JudgeThresholds gate research-kind approvals.
type JudgeThresholds struct {
	MinClaims              int
	MinEvidencePerClaim    int
	MinDomains             int
	RequireCounterEvidence bool
	ConfidenceFloor        float64
}

// JudgeGateway transitions awaiting_judge tasks on external verdicts. Each
// verdict produces exactly one judge.review event; approval can happen at
// most once in a task's lifetime.
type JudgeGateway struct {
	Tasks  domain.TaskRepository
	Runs   domain.RunRepository
	Queue  domain.Queue
	Events *Events

	Thresholds     JudgeThresholds
	ReworkCooldown time.Duration
}

// Decide computes the verdict and improvement suggestions from signals.
func (g *JudgeGateway) Decide(task domain.Task, s VerdictSignals) (domain.Verdict, []string) {
	var suggestions []string
	if !s.PolicyCompliant {
		suggestions = append(suggestions, "resolve policy violations before resubmitting")
	}
	if !s.CIPassed {
		suggestions = append(suggestions, "make the verification commands pass")
	}
	if !s.ReviewApproved {
		suggestions = append(suggestions, "address the review feedback")
	}
	if task.Kind == domain.KindResearch {
		r := s.Research
		if r == nil {
			suggestions = append(suggestions, "attach the research report signals")
		} else {
			if r.Claims < g.Thresholds.MinClaims {
				suggestions = append(suggestions, fmt.Sprintf("report at least %d claims", g.Thresholds.MinClaims))
			}
			if r.MinEvidencePerClaim < g.Thresholds.MinEvidencePerClaim {
				suggestions = append(suggestions, fmt.Sprintf("back every claim with at least %d sources", g.Thresholds.MinEvidencePerClaim))
			}
			if r.Domains < g.Thresholds.MinDomains {
				suggestions = append(suggestions, fmt.Sprintf("cite at least %d distinct source domains", g.Thresholds.MinDomains))
			}
			if g.Thresholds.RequireCounterEvidence && !r.HasCounterEvidence {
				suggestions = append(suggestions, "include counter-evidence for the main claims")
			}
			if r.Confidence < g.Thresholds.ConfidenceFloor {
				suggestions = append(suggestions, fmt.Sprintf("report confidence is below the %.2f floor", g.Thresholds.ConfidenceFloor))
			}
		}
	}
	if len(suggestions) > 0 {
		return domain.VerdictRequestChanges, suggestions
	}
	return domain.VerdictApprove, nil
}

// Review applies a verdict to one awaiting_judge task. The task must carry a
// latest successful unjudged run; anything else is a no-op.
func (g *JudgeGateway) Review(ctx domain.Context, taskID string, signals VerdictSignals) error {
	tracer := otel.Tracer("usecase.judge")
	ctx, span := tracer.Start(ctx, "Review")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	task, err := g.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=judge.task: %w", err)
	}
	if task.Status != domain.TaskBlocked || task.BlockReason != domain.BlockAwaitingJudge {
		return nil
	}
	run, err := g.Runs.LatestUnjudgedSuccess(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=judge.run: %w", err)
	}
	// Idempotent merge gate: a task approved once is never approved again.
	approved, err := g.Runs.HasApprovedRun(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=judge.approved: %w", err)
	}
	if approved {
		slog.Warn("skipping review of already-approved task", slog.String("task_id", taskID))
		return nil
	}

	verdict, suggestions := g.Decide(task, signals)
	now := time.Now().UTC()
	if err := g.Runs.Judge(ctx, run.ID, verdict, now); err != nil {
		return fmt.Errorf("op=judge.stamp: %w", err)
	}
	switch verdict {
	case domain.VerdictApprove:
		if err := g.Tasks.UpdateStatusIf(ctx, taskID, domain.TaskBlocked, domain.TaskDone, ""); err != nil {
			return fmt.Errorf("op=judge.to_done: %w", err)
		}
	case domain.VerdictRequestChanges:
		if err := g.Tasks.UpdateStatusIf(ctx, taskID, domain.TaskBlocked, domain.TaskBlocked, domain.BlockNeedsRework); err != nil {
			return fmt.Errorf("op=judge.to_rework: %w", err)
		}
	}
	g.Events.Emit(ctx, domain.EventJudgeReview, "task", taskID, map[string]any{
		"runId":       run.ID,
		"verdict":     string(verdict),
		"suggestions": suggestions,
	})
	observability.JudgeVerdictsTotal.WithLabelValues(string(verdict)).Inc()
	slog.Info("judge verdict applied",
		slog.String("task_id", taskID),
		slog.String("run_id", run.ID),
		slog.String("verdict", string(verdict)))
	return nil
}

// RequeueRework returns needs_rework tasks to the queue once their cooldown
// since judgement has passed. The retry count increments here: a rework
// attempt is a retry.
func (g *JudgeGateway) RequeueRework(ctx domain.Context) (int, error) {
	tasks, err := g.Tasks.ListBlocked(ctx, domain.BlockNeedsRework, 100)
	if err != nil {
		return 0, fmt.Errorf("op=judge.list_rework: %w", err)
	}
	now := time.Now().UTC()
	requeued := 0
	for _, task := range tasks {
		run, err := g.Runs.LatestByTask(ctx, task.ID)
		if err != nil {
			continue
		}
		if run.JudgedAt == nil || now.Sub(*run.JudgedAt) < g.ReworkCooldown {
			continue
		}
		if _, err := g.Tasks.IncrementRetry(ctx, task.ID); err != nil {
			return requeued, err
		}
		if err := g.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskBlocked, domain.TaskQueued, ""); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return requeued, err
		}
		if _, err := g.Queue.Requeue(ctx, domain.JobEnvelope{TaskID: task.ID, Priority: task.Priority}, 0); err != nil {
			return requeued, err
		}
		requeued++
		slog.Info("rework task requeued", slog.String("task_id", task.ID))
	}
	return requeued, nil
}
