package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andyyyy64/opentiger/internal/adapter/observability"
	"github.com/andyyyy64/opentiger/internal/domain"
)

// Replanner spawns the external planner when the queue drains, guarded by a
// signature so unchanged inputs never replan twice. The last successful
// planner.replan_finished event is the restart-safe memory.
type Replanner struct {
	Events *Events
	Runner domain.PlannerRunner

	Command         string
	Workdir         string
	RequirementPath string
	RepoURL         string
	BaseBranch      string
	Interval        time.Duration
	// Async runs the planner in a goroutine; tests disable it.
	Async bool

	mu       sync.Mutex
	inFlight bool
	lastEval time.Time
}

// replanSignature identifies one set of planning inputs.
type replanSignature struct {
	RequirementHash string `json:"requirementHash"`
	RepoHeadSHA     string `json:"repoHeadSha"`
	RepoURL         string `json:"repoUrl"`
	BaseBranch      string `json:"baseBranch"`
}

// Signature hashes the planning inputs. It returns "" when any input cannot
// be determined; an uncomputable signature skips replanning rather than
// forcing a replan every tick.
func (r *Replanner) Signature(ctx domain.Context) string {
	if r.RepoURL == "" || r.BaseBranch == "" || r.RequirementPath == "" {
		return ""
	}
	req, err := os.ReadFile(r.RequirementPath)
	if err != nil {
		slog.Warn("requirement file unreadable", slog.String("path", r.RequirementPath), slog.Any("error", err))
		return ""
	}
	reqHash := sha256.Sum256(req)
	head, err := r.Runner.Run(ctx, "git rev-parse HEAD", r.Workdir)
	if err != nil || head.ExitCode != 0 || head.TimedOut {
		slog.Warn("repo head unavailable for replan signature", slog.Any("error", err))
		return ""
	}
	sig := replanSignature{
		RequirementHash: hex.EncodeToString(reqHash[:]),
		RepoHeadSHA:     strings.TrimSpace(head.Stdout),
		RepoURL:         r.RepoURL,
		BaseBranch:      r.BaseBranch,
	}
	b, _ := json.Marshal(sig)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Evaluate runs one replan decision. Callers invoke it only when the queue is
// empty and nothing is running.
func (r *Replanner) Evaluate(ctx domain.Context) error {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	if !r.lastEval.IsZero() && now.Sub(r.lastEval) < r.Interval {
		r.mu.Unlock()
		return nil
	}
	r.lastEval = now
	r.mu.Unlock()

	// An earlier trigger without a matching finish means a replan is still
	// in flight in another process; never run two planners concurrently.
	if r.triggerPending(ctx) {
		return nil
	}

	sig := r.Signature(ctx)
	if sig == "" {
		r.Events.Emit(ctx, domain.EventReplanSkipped, "planner", "", map[string]any{
			"reason": "no_signature",
		})
		observability.ReplansTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if last, err := r.Events.Repo.LastByType(ctx, domain.EventReplanFinished, ""); err == nil {
		if s, _ := last.Payload["signature"].(string); s == sig {
			r.Events.Emit(ctx, domain.EventReplanSkipped, "planner", "", map[string]any{
				"reason":    "no_diff",
				"signature": sig,
			})
			observability.ReplansTotal.WithLabelValues("skipped").Inc()
			slog.Info("replan skipped, inputs unchanged", slog.String("signature", sig))
			return nil
		}
	}

	r.Events.Emit(ctx, domain.EventReplanTriggered, "planner", "", map[string]any{
		"signature": sig,
	})
	observability.ReplansTotal.WithLabelValues("triggered").Inc()
	r.mu.Lock()
	r.inFlight = true
	r.mu.Unlock()

	if r.Async {
		go r.spawn(ctx, sig)
		return nil
	}
	r.spawn(ctx, sig)
	return nil
}

func (r *Replanner) triggerPending(ctx domain.Context) bool {
	trig, err := r.Events.Repo.LastByType(ctx, domain.EventReplanTriggered, "")
	if err != nil {
		return false
	}
	for _, closing := range []string{domain.EventReplanFinished, domain.EventReplanFailed} {
		if done, err := r.Events.Repo.LastByType(ctx, closing, ""); err == nil {
			if !done.CreatedAt.Before(trig.CreatedAt) {
				return false
			}
		}
	}
	return true
}

func (r *Replanner) spawn(ctx domain.Context, sig string) {
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()
	res, err := r.Runner.Run(ctx, r.Command, r.Workdir)
	if err != nil {
		r.Events.Emit(ctx, domain.EventReplanFailed, "planner", "", map[string]any{
			"signature": sig,
			"error":     err.Error(),
		})
		observability.ReplansTotal.WithLabelValues("failed").Inc()
		return
	}
	if res.ExitCode == 0 && !res.TimedOut {
		r.Events.Emit(ctx, domain.EventReplanFinished, "planner", "", map[string]any{
			"signature": sig,
			"exitCode":  res.ExitCode,
		})
		observability.ReplansTotal.WithLabelValues("finished").Inc()
		slog.Info("replan finished", slog.String("signature", sig))
		return
	}
	r.Events.Emit(ctx, domain.EventReplanFailed, "planner", "", map[string]any{
		"signature": sig,
		"exitCode":  res.ExitCode,
		"timedOut":  res.TimedOut,
	})
	observability.ReplansTotal.WithLabelValues("failed").Inc()
	slog.Warn("replan failed",
		slog.String("signature", sig),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut))
}
