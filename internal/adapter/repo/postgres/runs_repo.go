package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// RunRepo persists execution attempts. Runs are append-only; a finished run
// only ever gains judgement fields.
type RunRepo struct{ Pool PgxPool }

// NewRunRepo constructs a RunRepo with the given pool.
func NewRunRepo(p PgxPool) *RunRepo { return &RunRepo{Pool: p} }

const runColumns = `id, task_id, agent_id, started_at, finished_at, status, COALESCE(error_message,''), error_meta, judged_at, COALESCE(verdict,'')`

func scanRun(row pgx.Row) (domain.Run, error) {
	var r domain.Run
	var metaJSON []byte
	if err := row.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.StartedAt, &r.FinishedAt, &r.Status,
		&r.ErrorMessage, &metaJSON, &r.JudgedAt, &r.Verdict); err != nil {
		return domain.Run{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &r.ErrorMeta); err != nil {
			return domain.Run{}, fmt.Errorf("op=run.scan_meta: %w", err)
		}
	}
	return r, nil
}

// Create inserts a new running attempt and returns its id.
func (r *RunRepo) Create(ctx domain.Context, run domain.Run) (string, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "runs"),
	)
	id := run.ID
	if id == "" {
		id = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = domain.RunRunning
	}
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	q := `INSERT INTO runs (id, task_id, agent_id, started_at, status) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, run.TaskID, run.AgentID, started, run.Status); err != nil {
		return "", fmt.Errorf("op=run.create: %w", err)
	}
	return id, nil
}

// Get loads a run by id.
func (r *RunRepo) Get(ctx domain.Context, id string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Get")
	defer span.End()
	run, err := scanRun(r.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Run{}, fmt.Errorf("op=run.get: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.get: %w", err)
	}
	return run, nil
}

// Finish closes a run. The WHERE status='running' guard preserves append-only
// semantics: a finished run never changes again.
func (r *RunRepo) Finish(ctx domain.Context, id string, status domain.RunStatus, errMsg string, meta domain.ErrorMeta) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Finish")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", id), attribute.String("run.status", string(status)))
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("op=run.finish_meta: %w", err)
	}
	q := `UPDATE runs SET finished_at=$2, status=$3, error_message=NULLIF($4,''), error_meta=$5 WHERE id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), status, errMsg, metaJSON)
	if err != nil {
		return fmt.Errorf("op=run.finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=run.finish: %w", domain.ErrConflict)
	}
	return nil
}

// LatestByTask returns the most recent run of a task.
func (r *RunRepo) LatestByTask(ctx domain.Context, taskID string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.LatestByTask")
	defer span.End()
	q := `SELECT ` + runColumns + ` FROM runs WHERE task_id=$1 ORDER BY started_at DESC LIMIT 1`
	run, err := scanRun(r.Pool.QueryRow(ctx, q, taskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Run{}, fmt.Errorf("op=run.latest: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.latest: %w", err)
	}
	return run, nil
}

// LatestUnjudgedSuccess returns the newest success run awaiting judgement.
func (r *RunRepo) LatestUnjudgedSuccess(ctx domain.Context, taskID string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.LatestUnjudgedSuccess")
	defer span.End()
	q := `SELECT ` + runColumns + ` FROM runs WHERE task_id=$1 AND status='success' AND judged_at IS NULL ORDER BY started_at DESC LIMIT 1`
	run, err := scanRun(r.Pool.QueryRow(ctx, q, taskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Run{}, fmt.Errorf("op=run.latest_unjudged: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.latest_unjudged: %w", err)
	}
	return run, nil
}

// Judge stamps judged_at and the verdict exactly once per run.
func (r *RunRepo) Judge(ctx domain.Context, id string, verdict domain.Verdict, judgedAt time.Time) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Judge")
	defer span.End()
	q := `UPDATE runs SET judged_at=$2, verdict=$3 WHERE id=$1 AND judged_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, id, judgedAt, string(verdict))
	if err != nil {
		return fmt.Errorf("op=run.judge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=run.judge: %w", domain.ErrConflict)
	}
	return nil
}

// HasApprovedRun reports whether any run of the task was ever approved. This
// is the idempotent merge gate: a task can be approved once in its lifetime.
func (r *RunRepo) HasApprovedRun(ctx domain.Context, taskID string) (bool, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.HasApprovedRun")
	defer span.End()
	var n int
	q := `SELECT COUNT(*) FROM runs WHERE task_id=$1 AND verdict='approve'`
	if err := r.Pool.QueryRow(ctx, q, taskID).Scan(&n); err != nil {
		return false, fmt.Errorf("op=run.has_approved: %w", err)
	}
	return n > 0, nil
}

// RunningByAgent returns the agent's current running run, if any.
func (r *RunRepo) RunningByAgent(ctx domain.Context, agentID string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.RunningByAgent")
	defer span.End()
	q := `SELECT ` + runColumns + ` FROM runs WHERE agent_id=$1 AND status='running' ORDER BY started_at DESC LIMIT 1`
	run, err := scanRun(r.Pool.QueryRow(ctx, q, agentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Run{}, fmt.Errorf("op=run.running_by_agent: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.running_by_agent: %w", err)
	}
	return run, nil
}

// ListRunningOlderThan returns running runs started before the cutoff.
func (r *RunRepo) ListRunningOlderThan(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.ListRunningOlderThan")
	defer span.End()
	q := `SELECT ` + runColumns + ` FROM runs WHERE status='running' AND started_at < $1 ORDER BY started_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=run.list_running_older: %w", err)
	}
	defer rows.Close()
	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("op=run.list_running_older_scan: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=run.list_running_older_rows: %w", err)
	}
	return runs, nil
}

// CountForCycle returns the number of runs started since the cycle began.
func (r *RunRepo) CountForCycle(ctx domain.Context, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.CountForCycle")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE started_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=run.count_for_cycle: %w", err)
	}
	return n, nil
}
