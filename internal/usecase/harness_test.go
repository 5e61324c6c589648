package usecase_test

import (
	"time"

	"github.com/andyyyy64/opentiger/internal/adapter/worker"
	"github.com/andyyyy64/opentiger/internal/domain"
	"github.com/andyyyy64/opentiger/internal/usecase"
)

// harness wires the engine against the in-memory ports.
type harness struct {
	store   *memStore
	tasks   *memTasks
	runs    *memRuns
	leases  *memLeases
	agents  *memAgents
	eventsR *memEvents
	cycles  *memCycles
	queue   *memQueue
	wrk     *worker.Stub
	planner *fakePlanner
	costs   *fakeCosts

	events     *usecase.Events
	dispatcher *usecase.Dispatcher
	leaseMgr   *usecase.LeaseManager
	retry      *usecase.RetryController
	results    *usecase.RunResults
	judge      *usecase.JudgeGateway
	replan     *usecase.Replanner
	scanner    *usecase.AnomalyScanner
	controller *usecase.CycleController
	canceller  *usecase.Canceller
}

const (
	testHeartbeatTimeout = 120 * time.Second
	testRunningRunGrace  = 10 * time.Minute
	testLeaseTTL         = time.Hour
	testStuckRunGrace    = 5 * time.Minute
)

func newHarness() *harness {
	s := newMemStore()
	h := &harness{
		store:   s,
		tasks:   &memTasks{s: s},
		runs:    &memRuns{s: s},
		leases:  &memLeases{s: s},
		agents:  &memAgents{s: s},
		eventsR: &memEvents{s: s},
		cycles:  &memCycles{s: s},
		queue:   &memQueue{},
		wrk:     worker.NewStub(),
		planner: &fakePlanner{results: map[string]domain.PlannerResult{}},
		costs:   newFakeCosts(),
	}
	h.events = &usecase.Events{Repo: h.eventsR}
	h.dispatcher = &usecase.Dispatcher{
		Tasks:            h.tasks,
		Runs:             h.runs,
		Leases:           h.leases,
		Agents:           h.agents,
		Queue:            h.queue,
		Worker:           h.wrk,
		HeartbeatTimeout: testHeartbeatTimeout,
		LeaseTTL:         testLeaseTTL,
		RequeueDelay:     time.Second,
	}
	h.leaseMgr = &usecase.LeaseManager{
		Tasks:            h.tasks,
		Runs:             h.runs,
		Leases:           h.leases,
		Agents:           h.agents,
		Queue:            h.queue,
		HeartbeatTimeout: testHeartbeatTimeout,
		RunningRunGrace:  testRunningRunGrace,
		LeaseTTL:         testLeaseTTL,
	}
	h.retry = &usecase.RetryController{
		Tasks:  h.tasks,
		Queue:  h.queue,
		Events: h.events,
		Backoff: domain.BackoffPolicy{
			BaseDelayMs: 30_000,
			MaxDelayMs:  1_800_000,
			Factor:      2,
			JitterRatio: 0.2,
		},
		GlobalRetryLimit: -1,
	}
	h.results = &usecase.RunResults{
		Tasks:  h.tasks,
		Runs:   h.runs,
		Leases: h.leases,
		Agents: h.agents,
		Cycles: h.cycles,
		Retry:  h.retry,
		Events: h.events,
		Costs:  h.costs,
	}
	h.judge = &usecase.JudgeGateway{
		Tasks:  h.tasks,
		Runs:   h.runs,
		Queue:  h.queue,
		Events: h.events,
		Thresholds: usecase.JudgeThresholds{
			MinClaims:              3,
			MinEvidencePerClaim:    1,
			MinDomains:             2,
			RequireCounterEvidence: true,
			ConfidenceFloor:        0.6,
		},
		ReworkCooldown: time.Minute,
	}
	h.replan = &usecase.Replanner{
		Events: h.events,
		Runner: h.planner,
	}
	h.scanner = &usecase.AnomalyScanner{
		Tasks:            h.tasks,
		Runs:             h.runs,
		Agents:           h.agents,
		Events:           h.events,
		Costs:            h.costs,
		HeartbeatTimeout: testHeartbeatTimeout,
		StuckRunGrace:    testStuckRunGrace,
		MaxFailureRate:   0.3,
		MinTasksForCheck: 10,
	}
	h.controller = &usecase.CycleController{
		Tasks:            h.tasks,
		Runs:             h.runs,
		Cycles:           h.cycles,
		Agents:           h.agents,
		Leases:           h.leases,
		Queue:            h.queue,
		Worker:           h.wrk,
		Events:           h.events,
		Costs:            h.costs,
		LeaseMgr:         h.leaseMgr,
		Judge:            h.judge,
		Replan:           h.replan,
		Scanner:          h.scanner,
		MaxDuration:      4 * time.Hour,
		MaxTasks:         100,
		MaxFailureRate:   0.3,
		MinTasksForCheck: 10,
		StuckRunGrace:    testStuckRunGrace,
		HeartbeatTimeout: testHeartbeatTimeout,
		MonitorInterval:  30 * time.Second,
		CleanupInterval:  time.Minute,
		StatsInterval:    time.Minute,
	}
	h.canceller = &usecase.Canceller{Tasks: h.tasks, Runs: h.runs, Worker: h.wrk}
	return h
}

// addIdleAgent registers a healthy idle agent.
func (h *harness) addIdleAgent(id string, role domain.AgentRole) {
	_ = h.agents.Upsert(nil, domain.Agent{ID: id, Role: role})
}

// addQueuedTask inserts a queued task and returns it.
func (h *harness) addQueuedTask(t domain.Task) domain.Task {
	id, _ := h.tasks.Create(nil, t)
	created, _ := h.tasks.Get(nil, id)
	return created
}
