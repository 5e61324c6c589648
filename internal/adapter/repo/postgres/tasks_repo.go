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

// TaskRepo persists and loads tasks from PostgreSQL.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, title, goal, kind, role, lane, status, COALESCE(block_reason,''), allowed_paths, commands, priority, COALESCE(risk_level,''), COALESCE(target_area,''), touches, dependencies, timebox_minutes, retry_count, context, created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var ctxJSON []byte
	if err := row.Scan(&t.ID, &t.Title, &t.Goal, &t.Kind, &t.Role, &t.Lane, &t.Status, &t.BlockReason,
		&t.AllowedPaths, &t.Commands, &t.Priority, &t.RiskLevel, &t.TargetArea, &t.Touches,
		&t.Dependencies, &t.TimeboxMinutes, &t.RetryCount, &ctxJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &t.Context); err != nil {
			return domain.Task{}, fmt.Errorf("op=task.scan_context: %w", err)
		}
	}
	return t, nil
}

// Create inserts a new queued task and returns its id.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "tasks"),
	)
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.TaskQueued
	}
	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return "", fmt.Errorf("op=task.create_context: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO tasks (id, title, goal, kind, role, lane, status, block_reason, allowed_paths, commands, priority, risk_level, target_area, touches, dependencies, timebox_minutes, retry_count, context, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,NULLIF($12,''),NULLIF($13,''),$14,$15,$16,$17,$18,$19,$20)`
	_, err = r.Pool.Exec(ctx, q, id, t.Title, t.Goal, t.Kind, t.Role, t.Lane, t.Status, string(t.BlockReason),
		t.AllowedPaths, t.Commands, t.Priority, string(t.RiskLevel), t.TargetArea, t.Touches, t.Dependencies,
		t.TimeboxMinutes, t.RetryCount, ctxJSON, now, now)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id=$1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// UpdateStatusIf transitions a task only when the current status matches from.
// The conditional WHERE clause is what keeps concurrent dispatchers safe;
// losing the race returns ErrConflict.
func (r *TaskRepo) UpdateStatusIf(ctx domain.Context, id string, from, to domain.TaskStatus, reason domain.BlockReason) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateStatusIf")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", id),
		attribute.String("task.from", string(from)),
		attribute.String("task.to", string(to)),
	)
	q := `UPDATE tasks SET status=$3, block_reason=NULLIF($4,''), updated_at=$5 WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to, string(reason), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.update_status_if: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update_status_if: %s->%s: %w", from, to, domain.ErrConflict)
	}
	return nil
}

// SetTargetArea persists a derived area; an existing non-empty value wins.
func (r *TaskRepo) SetTargetArea(ctx domain.Context, id, area string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetTargetArea")
	defer span.End()
	q := `UPDATE tasks SET target_area=NULLIF($2,''), updated_at=$3 WHERE id=$1 AND (target_area IS NULL OR target_area='')`
	if _, err := r.Pool.Exec(ctx, q, id, area, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=task.set_target_area: %w", err)
	}
	return nil
}

// IncrementRetry bumps retry_count and returns the new value. retry_count is
// monotonically non-decreasing for a task's whole lifetime.
func (r *TaskRepo) IncrementRetry(ctx domain.Context, id string) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.IncrementRetry")
	defer span.End()
	q := `UPDATE tasks SET retry_count = retry_count + 1, updated_at=$2 WHERE id=$1 RETURNING retry_count`
	var n int
	if err := r.Pool.QueryRow(ctx, q, id, time.Now().UTC()).Scan(&n); err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("op=task.increment_retry: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=task.increment_retry: %w", err)
	}
	return n, nil
}

// Cancel transitions any non-terminal task to cancelled.
func (r *TaskRepo) Cancel(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Cancel")
	defer span.End()
	q := `UPDATE tasks SET status=$2, block_reason=NULL, updated_at=$3 WHERE id=$1 AND status NOT IN ('done','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, domain.TaskCancelled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.cancel: %w", domain.ErrConflict)
	}
	return nil
}

// DependenciesDone reports whether every dependency of the task is done.
func (r *TaskRepo) DependenciesDone(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.DependenciesDone")
	defer span.End()
	q := `SELECT COUNT(*) FROM tasks WHERE id IN (SELECT UNNEST(dependencies) FROM tasks WHERE id=$1) AND status <> 'done'`
	var pending int
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&pending); err != nil {
		return false, fmt.Errorf("op=task.dependencies_done: %w", err)
	}
	return pending == 0, nil
}

// ActivePeersInArea returns queued or running feature-lane peers sharing the
// target area, excluding the task itself.
func (r *TaskRepo) ActivePeersInArea(ctx domain.Context, area, excludeTaskID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ActivePeersInArea")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE target_area=$1 AND lane='feature' AND status IN ('queued','running') AND id<>$2 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, area, excludeTaskID)
	if err != nil {
		return nil, fmt.Errorf("op=task.active_peers: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.active_peers_scan")
}

// ListByStatus returns tasks in a status, priority desc then created_at asc.
func (r *TaskRepo) ListByStatus(ctx domain.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByStatus")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status=$1 ORDER BY priority DESC, created_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list_by_status_scan")
}

// ListBlocked returns blocked tasks with the given reason.
func (r *TaskRepo) ListBlocked(ctx domain.Context, reason domain.BlockReason, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListBlocked")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status='blocked' AND block_reason=$1 ORDER BY priority DESC, created_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, string(reason), limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_blocked: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list_blocked_scan")
}

// CountByStatus returns the number of tasks per status.
func (r *TaskRepo) CountByStatus(ctx domain.Context) (map[domain.TaskStatus]int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=task.count_by_status: %w", err)
	}
	defer rows.Close()
	out := map[domain.TaskStatus]int{}
	for rows.Next() {
		var s domain.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=task.count_by_status_scan: %w", err)
		}
		out[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.count_by_status_rows: %w", err)
	}
	return out, nil
}

func collectTasks(rows pgx.Rows, op string) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tasks, nil
}
