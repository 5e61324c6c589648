package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// EnvelopeHandler consumes claimed job envelopes. jobID is the queue-side id
// of the claimed job. Returning an error requeues the envelope with a small
// jittered delay; returning asynq.SkipRetry drops it for good.
type EnvelopeHandler func(ctx context.Context, env domain.JobEnvelope, jobID string) error

// DeadLetterer parks envelopes whose queue-side retry budget is spent.
type DeadLetterer interface {
	DeadLetter(ctx domain.Context, env domain.JobEnvelope, reason string) error
}

// ServerConfig tunes the consumer.
type ServerConfig struct {
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Server wraps the asynq consumer that feeds the dispatcher. Per-agent
// concurrency defaults to 1 so "1 agent = 1 task" holds at the consumer too.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer builds the consumer. The handler sees every task:* and retry:*
// job; dead:* jobs are parked and never routed. When a job exhausts its
// attempts (attemptsMade >= maxAttempts) the envelope is mirrored to the
// dead-letter queue via dead, alongside asynq's own archive.
func NewServer(redisURL string, cfg ServerConfig, handler EnvelopeHandler, dead DeadLetterer) (*Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.server_new: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      QueueWeights,
		// A dropped consumer must not strand its claim: asynq re-delivers
		// after the lease lapses, bounded by the stalled interval.
		ShutdownTimeout: cfg.ShutdownTimeout,
		RetryDelayFunc:  requeueDelay,
		ErrorHandler:    exhaustionHandler(dead),
		Logger:          slogAdapter{},
	})
	mux := asynq.NewServeMux()
	wrapped := func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.consumer")
		ctx, span := tracer.Start(ctx, "ConsumeEnvelope")
		defer span.End()
		var env domain.JobEnvelope
		if err := json.Unmarshal(t.Payload(), &env); err != nil {
			slog.Error("malformed job envelope", slog.String("type", t.Type()), slog.Any("error", err))
			return fmt.Errorf("unmarshal envelope: %v: %w", err, asynq.SkipRetry)
		}
		if env.TaskID == "" {
			env.TaskID = taskIDFromType(t.Type())
		}
		jobID, _ := asynq.GetTaskID(ctx)
		return handler(ctx, env, jobID)
	}
	mux.HandleFunc(JobPrefixTask, wrapped)
	mux.HandleFunc(JobPrefixRetry, wrapped)
	return &Server{server: srv, mux: mux}, nil
}

// Start begins consuming until Stop.
func (s *Server) Start(_ context.Context) error { return s.server.Start(s.mux) }

// Stop gracefully shuts down the consumer.
func (s *Server) Stop() { s.server.Shutdown() }

// exhaustionHandler mirrors a job to the dead-letter queue on its final
// failed attempt, just before asynq archives it.
func exhaustionHandler(dead DeadLetterer) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry || dead == nil {
			return
		}
		var env domain.JobEnvelope
		if uerr := json.Unmarshal(t.Payload(), &env); uerr != nil {
			slog.Error("exhausted job has malformed envelope", slog.String("type", t.Type()), slog.Any("error", uerr))
			return
		}
		if env.TaskID == "" {
			env.TaskID = taskIDFromType(t.Type())
		}
		if derr := dead.DeadLetter(ctx, env, err.Error()); derr != nil {
			slog.Error("dead-letter mirror failed", slog.String("task_id", env.TaskID), slog.Any("error", derr))
			return
		}
		slog.Warn("job exhausted its attempts, parked on dead queue",
			slog.String("task_id", env.TaskID),
			slog.Int("attempts_made", retried+1),
			slog.String("error", err.Error()))
	})
}

func taskIDFromType(typename string) string {
	return strings.TrimPrefix(strings.TrimPrefix(typename, JobPrefixTask), JobPrefixRetry)
}

// requeueDelay spreads dispatch-step failures with a small deterministic
// jitter derived from the task type and attempt number.
func requeueDelay(n int, _ error, t *asynq.Task) time.Duration {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s:%d", t.Type(), n)
	jitter := time.Duration(h.Sum32()%2000) * time.Millisecond
	return 3*time.Second + jitter
}

// slogAdapter routes asynq's internal logging through slog.
type slogAdapter struct{}

func (slogAdapter) Debug(args ...interface{}) { slog.Debug(fmt.Sprint(args...)) }
func (slogAdapter) Info(args ...interface{})  { slog.Info(fmt.Sprint(args...)) }
func (slogAdapter) Warn(args ...interface{})  { slog.Warn(fmt.Sprint(args...)) }
func (slogAdapter) Error(args ...interface{}) { slog.Error(fmt.Sprint(args...)) }
func (slogAdapter) Fatal(args ...interface{}) { slog.Error(fmt.Sprint(args...)) }
