package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// AgentRepo persists agent registration and liveness.
type AgentRepo struct{ Pool PgxPool }

// NewAgentRepo constructs an AgentRepo with the given pool.
func NewAgentRepo(p PgxPool) *AgentRepo { return &AgentRepo{Pool: p} }

const agentColumns = `id, role, status, COALESCE(current_task_id,''), last_heartbeat, metadata`

func scanAgent(row pgx.Row) (domain.Agent, error) {
	var a domain.Agent
	var metaJSON []byte
	if err := row.Scan(&a.ID, &a.Role, &a.Status, &a.CurrentTaskID, &a.LastHeartbeat, &metaJSON); err != nil {
		return domain.Agent{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return domain.Agent{}, fmt.Errorf("op=agent.scan_meta: %w", err)
		}
	}
	return a, nil
}

// Upsert registers an agent or refreshes its role and metadata. A busy agent
// never regresses to idle through registration.
func (r *AgentRepo) Upsert(ctx domain.Context, a domain.Agent) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", a.ID))
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("op=agent.upsert_meta: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO agents (id, role, status, current_task_id, last_heartbeat, metadata)
	      VALUES ($1,$2,'idle',NULL,$3,$4)
	      ON CONFLICT (id) DO UPDATE SET
	        role=EXCLUDED.role,
	        metadata=EXCLUDED.metadata,
	        last_heartbeat=EXCLUDED.last_heartbeat,
	        status=CASE WHEN agents.status='busy' THEN agents.status ELSE 'idle' END`
	if _, err := r.Pool.Exec(ctx, q, a.ID, a.Role, now, metaJSON); err != nil {
		return fmt.Errorf("op=agent.upsert: %w", err)
	}
	return nil
}

// Get loads an agent by id.
func (r *AgentRepo) Get(ctx domain.Context, id string) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Get")
	defer span.End()
	a, err := scanAgent(r.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Agent{}, fmt.Errorf("op=agent.get: %w", domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("op=agent.get: %w", err)
	}
	return a, nil
}

// Heartbeat refreshes liveness without touching busy/idle state.
func (r *AgentRepo) Heartbeat(ctx domain.Context, id string, now time.Time) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Heartbeat")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE agents SET last_heartbeat=$2 WHERE id=$1`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("op=agent.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.heartbeat: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkBusy CASes an idle agent to busy with the given task.
func (r *AgentRepo) MarkBusy(ctx domain.Context, id, taskID string) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.MarkBusy")
	defer span.End()
	q := `UPDATE agents SET status='busy', current_task_id=$2 WHERE id=$1 AND status='idle'`
	tag, err := r.Pool.Exec(ctx, q, id, taskID)
	if err != nil {
		return fmt.Errorf("op=agent.mark_busy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.mark_busy: %w", domain.ErrConflict)
	}
	return nil
}

// MarkIdle clears current work and re-idles the agent.
func (r *AgentRepo) MarkIdle(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.MarkIdle")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE agents SET status='idle', current_task_id=NULL WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=agent.mark_idle: %w", err)
	}
	return nil
}

// MarkOffline parks a dead agent.
func (r *AgentRepo) MarkOffline(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.MarkOffline")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE agents SET status='offline', current_task_id=NULL WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=agent.mark_offline: %w", err)
	}
	return nil
}

// SelectIdle returns healthy idle agents for a role, least-recently-used
// first. heartbeatAfter is exclusive: an agent heartbeating exactly at the
// cutoff is not healthy.
func (r *AgentRepo) SelectIdle(ctx domain.Context, role domain.AgentRole, heartbeatAfter time.Time, limit int) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.SelectIdle")
	defer span.End()
	q := `SELECT ` + agentColumns + ` FROM agents WHERE status='idle' AND role=$1 AND last_heartbeat > $2 ORDER BY last_heartbeat ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, role, heartbeatAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("op=agent.select_idle: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows, "op=agent.select_idle_scan")
}

// ListDead returns agents whose last heartbeat is strictly older than cutoff
// (or who never heartbeated) and are not already offline.
func (r *AgentRepo) ListDead(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.ListDead")
	defer span.End()
	q := `SELECT ` + agentColumns + ` FROM agents WHERE status <> 'offline' AND (last_heartbeat IS NULL OR last_heartbeat < $1) ORDER BY last_heartbeat ASC NULLS FIRST LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_dead: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows, "op=agent.list_dead_scan")
}

// ListOffline returns offline agents.
func (r *AgentRepo) ListOffline(ctx domain.Context, limit int) ([]domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.ListOffline")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE status='offline' LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=agent.list_offline: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows, "op=agent.list_offline_scan")
}

func collectAgents(rows pgx.Rows, op string) ([]domain.Agent, error) {
	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return agents, nil
}
