// Package app wires the engine from configuration: store, queue, cost
// tracker, event mirror, and the lifecycle usecases shared by the supervisor
// and dispatcher binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andyyyy64/opentiger/internal/adapter/planner"
	asynqadp "github.com/andyyyy64/opentiger/internal/adapter/queue/asynq"
	"github.com/andyyyy64/opentiger/internal/adapter/queue/redpanda"
	"github.com/andyyyy64/opentiger/internal/adapter/repo/postgres"
	"github.com/andyyyy64/opentiger/internal/adapter/worker"
	"github.com/andyyyy64/opentiger/internal/config"
	"github.com/andyyyy64/opentiger/internal/domain"
	"github.com/andyyyy64/opentiger/internal/service/costs"
	"github.com/andyyyy64/opentiger/internal/usecase"
)

// Engine bundles the wired usecases and their adapters.
type Engine struct {
	Cfg config.Config

	Pool   *pgxpool.Pool
	Tasks  *postgres.TaskRepo
	Runs   *postgres.RunRepo
	Leases *postgres.LeaseRepo
	Agents *postgres.AgentRepo
	EventR *postgres.EventRepo
	Cycles *postgres.CycleRepo

	Queue  *asynqadp.Queue
	Events *usecase.Events
	Costs  domain.CostTracker
	Worker domain.WorkerAdapter

	Dispatcher *usecase.Dispatcher
	LeaseMgr   *usecase.LeaseManager
	Retry      *usecase.RetryController
	Results    *usecase.RunResults
	Judge      *usecase.JudgeGateway
	Replan     *usecase.Replanner
	Scanner    *usecase.AnomalyScanner
	Controller *usecase.CycleController
	Canceller  *usecase.Canceller
	Intake     *usecase.TaskIntake

	closers []func()
}

// Build wires an Engine from config.
func Build(ctx context.Context, cfg config.Config) (*Engine, error) {
	e := &Engine{Cfg: cfg}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("op=app.pool: %w", err)
	}
	e.Pool = pool
	e.closers = append(e.closers, pool.Close)

	e.Tasks = postgres.NewTaskRepo(pool)
	e.Runs = postgres.NewRunRepo(pool)
	e.Leases = postgres.NewLeaseRepo(pool)
	e.Agents = postgres.NewAgentRepo(pool)
	e.EventR = postgres.NewEventRepo(pool)
	e.Cycles = postgres.NewCycleRepo(pool)

	q, err := asynqadp.New(cfg.RedisURL, cfg.QueueMaxAttempts, cfg.QueueLockDuration())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("op=app.queue: %w", err)
	}
	e.Queue = q
	e.closers = append(e.closers, func() { _ = q.Close() })

	e.Events = &usecase.Events{Repo: e.EventR}
	if len(cfg.KafkaBrokers) > 0 {
		mirror, err := redpanda.NewEventMirror(cfg.KafkaBrokers, cfg.EventsTopic)
		if err != nil {
			slog.Warn("event mirror disabled", slog.Any("error", err))
		} else {
			e.Events.Mirror = mirror
			e.closers = append(e.closers, func() { _ = mirror.Close() })
		}
	}

	tracker, err := costs.New(cfg.RedisURL)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("op=app.costs: %w", err)
	}
	e.Costs = tracker
	e.Worker = worker.NewLogAdapter()

	backoffPolicy := domain.BackoffPolicy{
		BaseDelayMs: cfg.RetryBaseDelayMs,
		MaxDelayMs:  cfg.RetryMaxDelayMs,
		Factor:      cfg.RetryFactor,
		JitterRatio: cfg.RetryJitterRatio,
	}

	e.Dispatcher = &usecase.Dispatcher{
		Tasks:            e.Tasks,
		Runs:             e.Runs,
		Leases:           e.Leases,
		Agents:           e.Agents,
		Queue:            e.Queue,
		Worker:           e.Worker,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		LeaseTTL:         cfg.LeaseDefault(),
		RequeueDelay:     15 * time.Second,
	}
	e.LeaseMgr = &usecase.LeaseManager{
		Tasks:            e.Tasks,
		Runs:             e.Runs,
		Leases:           e.Leases,
		Agents:           e.Agents,
		Queue:            e.Queue,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		RunningRunGrace:  cfg.RunningRunGrace(),
		LeaseTTL:         cfg.LeaseDefault(),
	}
	e.Retry = &usecase.RetryController{
		Tasks:             e.Tasks,
		Queue:             e.Queue,
		Events:            e.Events,
		Backoff:           backoffPolicy,
		CategoryOverrides: cfg.CategoryLimits(),
		GlobalRetryLimit:  cfg.GlobalRetryLimit,
	}
	e.Results = &usecase.RunResults{
		Tasks:  e.Tasks,
		Runs:   e.Runs,
		Leases: e.Leases,
		Agents: e.Agents,
		Cycles: e.Cycles,
		Retry:  e.Retry,
		Events: e.Events,
		Costs:  e.Costs,
	}
	e.Judge = &usecase.JudgeGateway{
		Tasks:  e.Tasks,
		Runs:   e.Runs,
		Queue:  e.Queue,
		Events: e.Events,
		Thresholds: usecase.JudgeThresholds{
			MinClaims:              cfg.JudgeMinClaims,
			MinEvidencePerClaim:    cfg.JudgeMinEvidencePerClaim,
			MinDomains:             cfg.JudgeMinDomains,
			RequireCounterEvidence: cfg.JudgeRequireCounterEv,
			ConfidenceFloor:        cfg.JudgeConfidenceFloor,
		},
		ReworkCooldown: cfg.JudgeReworkCooldown(),
	}
	e.Replan = &usecase.Replanner{
		Events:          e.Events,
		Runner:          planner.NewRunner(cfg.ReplanTimeout()),
		Command:         cfg.ReplanCommand,
		Workdir:         cfg.ReplanWorkdir,
		RequirementPath: cfg.ReplanRequirementPath,
		RepoURL:         cfg.ReplanRepoURL,
		BaseBranch:      cfg.ReplanBaseBranch,
		Interval:        cfg.ReplanInterval(),
		Async:           true,
	}
	e.Scanner = &usecase.AnomalyScanner{
		Tasks:            e.Tasks,
		Runs:             e.Runs,
		Agents:           e.Agents,
		Events:           e.Events,
		Costs:            e.Costs,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		StuckRunGrace:    cfg.StuckRunGrace(),
		MaxFailureRate:   cfg.CycleMaxFailureRate,
		MinTasksForCheck: cfg.MinTasksForFailureCheck,
		MaxTokens:        cfg.CycleMaxTokens,
		NoProgressWindow: 2 * cfg.MonitorInterval(),
	}
	e.Controller = &usecase.CycleController{
		Tasks:            e.Tasks,
		Runs:             e.Runs,
		Cycles:           e.Cycles,
		Agents:           e.Agents,
		Leases:           e.Leases,
		Queue:            e.Queue,
		Worker:           e.Worker,
		Events:           e.Events,
		Costs:            e.Costs,
		LeaseMgr:         e.LeaseMgr,
		Judge:            e.Judge,
		Replan:           e.Replan,
		Scanner:          e.Scanner,
		MaxDuration:      cfg.CycleMaxDuration(),
		MaxTasks:         cfg.CycleMaxTasks,
		MaxFailureRate:   cfg.CycleMaxFailureRate,
		MinTasksForCheck: cfg.MinTasksForFailureCheck,
		MaxTokens:        cfg.CycleMaxTokens,
		MaxCostUSD:       cfg.CycleMaxCostUSD,
		StuckRunGrace:    cfg.StuckRunGrace(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		AutoReplan:       cfg.AutoReplan,
		MonitorInterval:  cfg.MonitorInterval(),
		CleanupInterval:  cfg.CleanupInterval(),
		StatsInterval:    cfg.StatsInterval(),
	}
	e.Canceller = &usecase.Canceller{Tasks: e.Tasks, Runs: e.Runs, Worker: e.Worker}
	e.Intake = &usecase.TaskIntake{Tasks: e.Tasks, Queue: e.Queue}
	return e, nil
}

// Close releases all engine resources in reverse order.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}
