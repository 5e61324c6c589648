package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// EventRepo appends and reads the audit stream. Events are append-only and
// are the source of truth for restart-safe idempotent decisions.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

const eventColumns = `id, type, entity_type, COALESCE(entity_id,''), payload, created_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	var payloadJSON []byte
	if err := row.Scan(&e.ID, &e.Type, &e.EntityType, &e.EntityID, &payloadJSON, &e.CreatedAt); err != nil {
		return domain.Event{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return domain.Event{}, fmt.Errorf("op=event.scan_payload: %w", err)
		}
	}
	return e, nil
}

// Append inserts an event and returns its ulid.
func (r *EventRepo) Append(ctx domain.Context, e domain.Event) (string, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", e.Type))
	id := e.ID
	now := time.Now().UTC()
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("op=event.append_payload: %w", err)
	}
	q := `INSERT INTO events (id, type, entity_type, entity_id, payload, created_at) VALUES ($1,$2,$3,NULLIF($4,''),$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, e.Type, e.EntityType, e.EntityID, payloadJSON, now); err != nil {
		return "", fmt.Errorf("op=event.append: %w", err)
	}
	return id, nil
}

// LastByType returns the newest event of a type, optionally scoped to an
// entity id; an empty entityID matches any entity.
func (r *EventRepo) LastByType(ctx domain.Context, eventType, entityID string) (domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.LastByType")
	defer span.End()
	q := `SELECT ` + eventColumns + ` FROM events WHERE type=$1 AND ($2='' OR entity_id=$2) ORDER BY created_at DESC, id DESC LIMIT 1`
	e, err := scanEvent(r.Pool.QueryRow(ctx, q, eventType, entityID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Event{}, fmt.Errorf("op=event.last_by_type: %w", domain.ErrNotFound)
		}
		return domain.Event{}, fmt.Errorf("op=event.last_by_type: %w", err)
	}
	return e, nil
}

// ListByType returns newest-first events of a type.
func (r *EventRepo) ListByType(ctx domain.Context, eventType string, limit int) ([]domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListByType")
	defer span.End()
	q := `SELECT ` + eventColumns + ` FROM events WHERE type=$1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("op=event.list_by_type: %w", err)
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=event.list_by_type_scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=event.list_by_type_rows: %w", err)
	}
	return events, nil
}

// DeleteByType removes events of a type and reports how many went away.
func (r *EventRepo) DeleteByType(ctx domain.Context, eventType string) (int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.DeleteByType")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM events WHERE type=$1`, eventType)
	if err != nil {
		return 0, fmt.Errorf("op=event.delete_by_type: %w", err)
	}
	return tag.RowsAffected(), nil
}
