package usecase

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// TaskIntake accepts planner-produced tasks into the store and queue.
type TaskIntake struct {
	Tasks domain.TaskRepository
	Queue domain.Queue

	validateOnce sync.Once
	validate     *validator.Validate
}

func (i *TaskIntake) validator() *validator.Validate {
	i.validateOnce.Do(func() {
		i.validate = validator.New()
	})
	return i.validate
}

// Submit validates and persists a new task, then hands the queue its first
// envelope. The task id is generated when absent.
func (i *TaskIntake) Submit(ctx domain.Context, task domain.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = domain.TaskQueued
	task.BlockReason = ""
	if task.TimeboxMinutes <= 0 {
		task.TimeboxMinutes = 30
	}
	if task.RiskLevel == "" {
		task.RiskLevel = domain.RiskLow
	}
	if err := i.validator().Struct(task); err != nil {
		return "", fmt.Errorf("op=intake.validate: %w: %v", domain.ErrInvalidArgument, err)
	}
	id, err := i.Tasks.Create(ctx, task)
	if err != nil {
		return "", err
	}
	if _, err := i.Queue.Enqueue(ctx, domain.JobEnvelope{TaskID: id, Priority: task.Priority}); err != nil {
		return "", fmt.Errorf("op=intake.enqueue: %w", err)
	}
	return id, nil
}
