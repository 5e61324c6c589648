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

// CycleRepo persists supervisor epochs. Cycle creation is serialized through
// a transactional advisory lock so concurrent supervisors never produce two
// running cycles or duplicate numbers.
type CycleRepo struct{ Pool PgxPool }

// NewCycleRepo constructs a CycleRepo with the given pool.
func NewCycleRepo(p PgxPool) *CycleRepo { return &CycleRepo{Pool: p} }

const cycleColumns = `id, number, status, started_at, ended_at, COALESCE(trigger_type,''), COALESCE(end_reason,''), stats`

func scanCycle(row pgx.Row) (domain.Cycle, error) {
	var c domain.Cycle
	var statsJSON []byte
	if err := row.Scan(&c.ID, &c.Number, &c.Status, &c.StartedAt, &c.EndedAt, &c.TriggerType, &c.EndReason, &statsJSON); err != nil {
		return domain.Cycle{}, err
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &c.Stats); err != nil {
			return domain.Cycle{}, fmt.Errorf("op=cycle.scan_stats: %w", err)
		}
	}
	return c, nil
}

// Current returns the running cycle, or ErrNotFound.
func (r *CycleRepo) Current(ctx domain.Context) (domain.Cycle, error) {
	tracer := otel.Tracer("repo.cycles")
	ctx, span := tracer.Start(ctx, "cycles.Current")
	defer span.End()
	q := `SELECT ` + cycleColumns + ` FROM cycles WHERE status='running' ORDER BY number DESC LIMIT 1`
	c, err := scanCycle(r.Pool.QueryRow(ctx, q))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Cycle{}, fmt.Errorf("op=cycle.current: %w", domain.ErrNotFound)
		}
		return domain.Cycle{}, fmt.Errorf("op=cycle.current: %w", err)
	}
	return c, nil
}

// Start creates the next cycle under an advisory transactional lock. Any
// still-running cycle is aborted first so at most one cycle runs at a time.
func (r *CycleRepo) Start(ctx domain.Context) (domain.Cycle, error) {
	tracer := otel.Tracer("repo.cycles")
	ctx, span := tracer.Start(ctx, "cycles.Start")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "cycles"))
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Cycle{}, fmt.Errorf("op=cycle.start_begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, cycleAdvisoryLockKey); err != nil {
		return domain.Cycle{}, fmt.Errorf("op=cycle.start_lock: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE cycles SET status='aborted', ended_at=$1, end_reason='superseded' WHERE status='running'`, now); err != nil {
		return domain.Cycle{}, fmt.Errorf("op=cycle.start_abort_prev: %w", err)
	}
	var next int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(number),0)+1 FROM cycles`).Scan(&next); err != nil {
		return domain.Cycle{}, fmt.Errorf("op=cycle.start_number: %w", err)
	}
	c := domain.Cycle{
		ID:        uuid.New().String(),
		Number:    next,
		Status:    domain.CycleRunning,
		StartedAt: now,
	}
	statsJSON, _ := json.Marshal(c.Stats)
	if _, err := tx.Exec(ctx, `INSERT INTO cycles (id, number, status, started_at, stats) VALUES ($1,$2,$3,$4,$5)`,
		c.ID, c.Number, c.Status, c.StartedAt, statsJSON); err != nil {
		return domain.Cycle{}, fmt.Errorf("op=cycle.start_insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Cycle{}, fmt.Errorf("op=cycle.start_commit: %w", err)
	}
	committed = true
	return c, nil
}

// End closes the running cycle with its trigger, reason, and final stats.
func (r *CycleRepo) End(ctx domain.Context, id string, trigger domain.TriggerType, reason string, stats domain.CycleStats) error {
	tracer := otel.Tracer("repo.cycles")
	ctx, span := tracer.Start(ctx, "cycles.End")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", id), attribute.String("cycle.trigger", string(trigger)))
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("op=cycle.end_stats: %w", err)
	}
	q := `UPDATE cycles SET status='completed', ended_at=$2, trigger_type=$3, end_reason=$4, stats=$5 WHERE id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), string(trigger), reason, statsJSON)
	if err != nil {
		return fmt.Errorf("op=cycle.end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=cycle.end: %w", domain.ErrConflict)
	}
	return nil
}

// UpdateStats persists a stats snapshot on the running cycle.
func (r *CycleRepo) UpdateStats(ctx domain.Context, id string, stats domain.CycleStats) error {
	tracer := otel.Tracer("repo.cycles")
	ctx, span := tracer.Start(ctx, "cycles.UpdateStats")
	defer span.End()
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("op=cycle.update_stats: %w", err)
	}
	if _, err := r.Pool.Exec(ctx, `UPDATE cycles SET stats=$2 WHERE id=$1 AND status='running'`, id, statsJSON); err != nil {
		return fmt.Errorf("op=cycle.update_stats: %w", err)
	}
	return nil
}

// StatsSince recomputes task and run counters for work finished since the
// cycle began. Token totals are merged in by the caller from the cost tracker.
func (r *CycleRepo) StatsSince(ctx domain.Context, since time.Time) (domain.CycleStats, error) {
	tracer := otel.Tracer("repo.cycles")
	ctx, span := tracer.Start(ctx, "cycles.StatsSince")
	defer span.End()
	var s domain.CycleStats
	q := `SELECT
	        COUNT(*) FILTER (WHERE status='done'),
	        COUNT(*) FILTER (WHERE status='failed'),
	        COUNT(*) FILTER (WHERE status='cancelled')
	      FROM tasks WHERE updated_at >= $1`
	if err := r.Pool.QueryRow(ctx, q, since).Scan(&s.TasksCompleted, &s.TasksFailed, &s.TasksCancelled); err != nil {
		return domain.CycleStats{}, fmt.Errorf("op=cycle.stats_tasks: %w", err)
	}
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE started_at >= $1`, since).Scan(&s.RunsTotal); err != nil {
		return domain.CycleStats{}, fmt.Errorf("op=cycle.stats_runs: %w", err)
	}
	return s, nil
}
