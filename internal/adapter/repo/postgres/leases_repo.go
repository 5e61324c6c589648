package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// LeaseRepo persists exclusive task claims. The UNIQUE constraint on task_id
// is the arbiter between racing dispatchers.
type LeaseRepo struct{ Pool PgxPool }

// NewLeaseRepo constructs a LeaseRepo with the given pool.
func NewLeaseRepo(p PgxPool) *LeaseRepo { return &LeaseRepo{Pool: p} }

const leaseColumns = `id, task_id, agent_id, expires_at, created_at`

func scanLease(row pgx.Row) (domain.Lease, error) {
	var l domain.Lease
	err := row.Scan(&l.ID, &l.TaskID, &l.AgentID, &l.ExpiresAt, &l.CreatedAt)
	return l, err
}

// Acquire claims a task for an agent. An existing non-expired lease wins and
// the caller gets ErrLeaseHeld; an expired one is taken over in place.
func (r *LeaseRepo) Acquire(ctx domain.Context, taskID, agentID string, ttl time.Duration) (domain.Lease, error) {
	tracer := otel.Tracer("repo.leases")
	ctx, span := tracer.Start(ctx, "leases.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID), attribute.String("agent.id", agentID))
	now := time.Now().UTC()
	q := `INSERT INTO leases (id, task_id, agent_id, expires_at, created_at)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (task_id) DO UPDATE
	        SET id=EXCLUDED.id, agent_id=EXCLUDED.agent_id, expires_at=EXCLUDED.expires_at, created_at=EXCLUDED.created_at
	        WHERE leases.expires_at <= $5
	      RETURNING ` + leaseColumns
	l, err := scanLease(r.Pool.QueryRow(ctx, q, uuid.New().String(), taskID, agentID, now.Add(ttl), now))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Lease{}, fmt.Errorf("op=lease.acquire: %w", domain.ErrLeaseHeld)
		}
		return domain.Lease{}, fmt.Errorf("op=lease.acquire: %w", err)
	}
	return l, nil
}

// Release deletes the lease on a task.
func (r *LeaseRepo) Release(ctx domain.Context, taskID string) error {
	tracer := otel.Tracer("repo.leases")
	ctx, span := tracer.Start(ctx, "leases.Release")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM leases WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("op=lease.release: %w", err)
	}
	return nil
}

// Extend pushes the expiry of every lease owned by the agent.
func (r *LeaseRepo) Extend(ctx domain.Context, agentID string, ttl time.Duration) error {
	tracer := otel.Tracer("repo.leases")
	ctx, span := tracer.Start(ctx, "leases.Extend")
	defer span.End()
	q := `UPDATE leases SET expires_at=$2 WHERE agent_id=$1`
	if _, err := r.Pool.Exec(ctx, q, agentID, time.Now().UTC().Add(ttl)); err != nil {
		return fmt.Errorf("op=lease.extend: %w", err)
	}
	return nil
}

// ByAgent lists leases owned by an agent.
func (r *LeaseRepo) ByAgent(ctx domain.Context, agentID string) ([]domain.Lease, error) {
	tracer := otel.Tracer("repo.leases")
	ctx, span := tracer.Start(ctx, "leases.ByAgent")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+leaseColumns+` FROM leases WHERE agent_id=$1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("op=lease.by_agent: %w", err)
	}
	defer rows.Close()
	var leases []domain.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("op=lease.by_agent_scan: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=lease.by_agent_rows: %w", err)
	}
	return leases, nil
}

// ByTask returns the lease on a task, if present.
func (r *LeaseRepo) ByTask(ctx domain.Context, taskID string) (domain.Lease, error) {
	tracer := otel.Tracer("repo.leases")
	ctx, span := tracer.Start(ctx, "leases.ByTask")
	defer span.End()
	l, err := scanLease(r.Pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE task_id=$1`, taskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Lease{}, fmt.Errorf("op=lease.by_task: %w", domain.ErrNotFound)
		}
		return domain.Lease{}, fmt.Errorf("op=lease.by_task: %w", err)
	}
	return l, nil
}

// ListExpired returns leases whose expiry is at or before now.
func (r *LeaseRepo) ListExpired(ctx domain.Context, now time.Time, limit int) ([]domain.Lease, error) {
	tracer := otel.Tracer("repo.leases")
	ctx, span := tracer.Start(ctx, "leases.ListExpired")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+leaseColumns+` FROM leases WHERE expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=lease.list_expired: %w", err)
	}
	defer rows.Close()
	var leases []domain.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("op=lease.list_expired_scan: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=lease.list_expired_rows: %w", err)
	}
	return leases, nil
}
