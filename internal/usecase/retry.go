package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	"github.com/andyyyy64/opentiger/internal/domain"
)

// RetryController is the sole decider of terminal-vs-requeue after a failed
// run. It classifies the failure, applies the category ceiling, and either
// schedules a re-attempt with backoff or terminates the task.
type RetryController struct {
	Tasks  domain.TaskRepository
	Queue  domain.Queue
	Events *Events

	Backoff           domain.BackoffPolicy
	CategoryOverrides map[string]int
	GlobalRetryLimit  int
}

// Decision reports what the controller did with a failed run.
type Decision struct {
	Classification domain.Classification
	Terminal       bool
	Cooldown       time.Duration
	RetryCount     int
	Reason         string
}

// OnRunFailure consumes one failed run for a task that is still running.
func (c *RetryController) OnRunFailure(ctx domain.Context, task domain.Task, run domain.Run) (Decision, error) {
	tracer := otel.Tracer("usecase.retry")
	ctx, span := tracer.Start(ctx, "OnRunFailure")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID))

	cls := domain.Classify(run.ErrorMessage, run.ErrorMeta)
	ceiling := domain.RetryCeiling(cls.Category, c.CategoryOverrides, c.GlobalRetryLimit)
	span.SetAttributes(
		attribute.String("failure.code", cls.Code),
		attribute.String("failure.category", string(cls.Category)),
		attribute.Int("retry.ceiling", ceiling),
	)

	if !cls.Retryable || task.RetryCount >= ceiling {
		return c.terminate(ctx, task, run, cls, ceiling)
	}
	return c.requeue(ctx, task, run, cls)
}

func (c *RetryController) terminate(ctx domain.Context, task domain.Task, run domain.Run, cls domain.Classification, ceiling int) (Decision, error) {
	reason := terminalReason(cls, run)
	if err := c.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskRunning, domain.TaskFailed, ""); err != nil {
		return Decision{}, fmt.Errorf("op=retry.terminate: %w", err)
	}
	// Park the envelope for operator inspection; the dead queue is the
	// terminal record of what was asked and why it stopped.
	env := domain.JobEnvelope{TaskID: task.ID, Priority: task.Priority}
	if err := c.Queue.DeadLetter(ctx, env, reason); err != nil {
		slog.Error("dead-letter park failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	c.Events.Emit(ctx, domain.EventTaskFailed, "task", task.ID, map[string]any{
		"failureCode": cls.Code,
		"category":    string(cls.Category),
		"retryCount":  task.RetryCount,
		"ceiling":     ceiling,
		"reason":      reason,
	})
	observability.RetryDecision(string(cls.Category), "terminal")
	observability.TasksRunning.Dec()
	slog.Warn("task terminated",
		slog.String("task_id", task.ID),
		slog.String("failure_code", cls.Code),
		slog.Int("retry_count", task.RetryCount),
		slog.String("reason", reason))
	return Decision{Classification: cls, Terminal: true, RetryCount: task.RetryCount, Reason: reason}, nil
}

func (c *RetryController) requeue(ctx domain.Context, task domain.Task, run domain.Run, cls domain.Classification) (Decision, error) {
	now := time.Now().UTC()
	cooldown := c.Backoff.Cooldown(task.ID, task.RetryCount, run.ErrorMessage, now)
	newCount, err := c.Tasks.IncrementRetry(ctx, task.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("op=retry.increment: %w", err)
	}
	if err := c.Tasks.UpdateStatusIf(ctx, task.ID, domain.TaskRunning, domain.TaskQueued, ""); err != nil {
		return Decision{}, fmt.Errorf("op=retry.to_queued: %w", err)
	}
	env := domain.JobEnvelope{TaskID: task.ID, Priority: task.Priority}
	if _, err := c.Queue.Requeue(ctx, env, cooldown); err != nil {
		return Decision{}, fmt.Errorf("op=retry.requeue: %w", err)
	}
	c.Events.Emit(ctx, domain.EventTaskRequeued, "task", task.ID, map[string]any{
		"failureCode": cls.Code,
		"category":    string(cls.Category),
		"retryCount":  newCount,
		"cooldownMs":  cooldown.Milliseconds(),
	})
	observability.RetryDecision(string(cls.Category), "requeued")
	observability.TasksRunning.Dec()
	slog.Info("task requeued",
		slog.String("task_id", task.ID),
		slog.String("failure_code", cls.Code),
		slog.Int("retry_count", newCount),
		slog.Duration("cooldown", cooldown))
	return Decision{Classification: cls, Cooldown: cooldown, RetryCount: newCount}, nil
}

// terminalReason renders the user-visible failure string. Actionable codes
// get an explanation; everything else carries the canonical code plus the
// last error summary.
func terminalReason(cls domain.Classification, run domain.Run) string {
	switch cls.Code {
	case domain.CodeNoActionableChanges:
		return "the worker found nothing to change; revisit the task goal or mark it done"
	case domain.CodeExternalDirPermissionPrompt:
		return "the worker was blocked on a permission prompt for a directory outside the workspace; widen allowedPaths or adjust sandboxing"
	case domain.CodeVerifyMissingScript, domain.CodeVerifyNoTestFiles,
		domain.CodeVerifyMissingMakeTarget, domain.CodeVerifyUnsupportedFormat,
		domain.CodeVerifySequenceIssue:
		return fmt.Sprintf("verification commands cannot run as written (%s); fix the task's commands", cls.Code)
	default:
		msg := run.ErrorMessage
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return fmt.Sprintf("%s: %s", cls.Code, msg)
	}
}
