// Package asynqadp implements the durable task queue on asynq (Redis).
// Delivery is at-least-once: asynq re-delivers jobs whose consumer lease
// lapsed, and the dispatcher is idempotent against stale envelopes.
package asynqadp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	"github.com/andyyyy64/opentiger/internal/domain"
)

// Queue names by job priority band. asynq drains them by weight, so higher
// bands win without starving the rest.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
	QueueDead     = "dead"
)

// QueueWeights is the consumption ratio used by the dispatcher server.
var QueueWeights = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

// QueueForPriority maps an envelope priority to its queue band.
func QueueForPriority(priority int) string {
	switch {
	case priority >= 8:
		return QueueCritical
	case priority >= 4:
		return QueueDefault
	default:
		return QueueLow
	}
}

// Job name prefixes. A fresh dispatch is task:<taskId>, a scheduled
// re-attempt is retry:<taskId>, and a parked envelope is dead:<taskId>.
const (
	JobPrefixTask  = "task:"
	JobPrefixRetry = "retry:"
	JobPrefixDead  = "dead:"
)

// Queue is the asynq-backed implementation of domain.Queue.
type Queue struct {
	client      *asynq.Client
	inspector   *asynq.Inspector
	maxAttempts int
	lockFor     time.Duration
	retention   time.Duration
}

// New builds a Queue from a redis URI.
func New(redisURL string, maxAttempts int, lockFor time.Duration) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: %w", err)
	}
	return &Queue{
		client:      asynq.NewClient(opt),
		inspector:   asynq.NewInspector(opt),
		maxAttempts: maxAttempts,
		lockFor:     lockFor,
		retention:   24 * time.Hour,
	}, nil
}

// Close releases the redis connections.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return err
	}
	return q.inspector.Close()
}

func (q *Queue) enqueue(ctx domain.Context, name string, env domain.JobEnvelope, opts ...asynq.Option) (string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("op=queue.marshal: %w", err)
	}
	t := asynq.NewTask(name, payload)
	opts = append(opts,
		asynq.Queue(QueueForPriority(env.Priority)),
		asynq.MaxRetry(q.maxAttempts),
		asynq.Timeout(q.lockFor),
		asynq.Retention(q.retention),
	)
	// Transient redis hiccups get a short retry budget; the queue is the
	// engine's spine and a dropped enqueue is a lost task.
	var info *asynq.TaskInfo
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err = backoff.Retry(func() error {
		var enqErr error
		info, enqErr = q.client.EnqueueContext(ctx, t, opts...)
		return enqErr
	}, bo)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return info.ID, nil
}

// Enqueue adds a fresh job for a task. Job ids are never reused, so a prior
// terminal state for the same task cannot block the new envelope.
func (q *Queue) Enqueue(ctx domain.Context, env domain.JobEnvelope) (string, error) {
	id, err := q.enqueue(ctx, JobPrefixTask+env.TaskID, env)
	if err == nil {
		observability.EnqueueJob("task")
	}
	return id, err
}

// Requeue schedules a re-attempt after the given delay under a new job id.
func (q *Queue) Requeue(ctx domain.Context, env domain.JobEnvelope, delay time.Duration) (string, error) {
	id, err := q.enqueue(ctx, JobPrefixRetry+env.TaskID, env, asynq.ProcessIn(delay))
	if err == nil {
		observability.EnqueueJob("retry")
	}
	return id, err
}

// DeadLetter parks the envelope on the dead queue for operator inspection.
// Nothing consumes it; obliterate or manual requeue clears it.
func (q *Queue) DeadLetter(ctx domain.Context, env domain.JobEnvelope, reason string) error {
	payload, err := json.Marshal(struct {
		domain.JobEnvelope
		Reason string `json:"reason"`
	}{env, reason})
	if err != nil {
		return fmt.Errorf("op=queue.dead_letter_marshal: %w", err)
	}
	t := asynq.NewTask(JobPrefixDead+env.TaskID, payload)
	if _, err := q.client.EnqueueContext(ctx, t, asynq.Queue(QueueDead), asynq.MaxRetry(0), asynq.Retention(7*24*time.Hour)); err != nil {
		return fmt.Errorf("op=queue.dead_letter: %w", err)
	}
	observability.EnqueueJob("dead")
	return nil
}

// Obliterate purges a whole queue including in-flight jobs.
func (q *Queue) Obliterate(ctx domain.Context, queue string) error {
	if err := q.inspector.DeleteQueue(queue, true); err != nil {
		return fmt.Errorf("op=queue.obliterate: %w", err)
	}
	return nil
}

// PendingCount returns ready, scheduled, in-flight, and retrying jobs across
// the priority bands. The dead queue does not count as pending work.
func (q *Queue) PendingCount(ctx domain.Context) (int, error) {
	total := 0
	for _, name := range []string{QueueCritical, QueueDefault, QueueLow} {
		info, err := q.inspector.GetQueueInfo(name)
		if err != nil {
			// A band that has never seen a job does not exist yet.
			continue
		}
		total += info.Pending + info.Scheduled + info.Active + info.Retry
	}
	return total, nil
}
