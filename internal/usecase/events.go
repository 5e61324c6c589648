// Package usecase implements the task lifecycle engine: dispatch, leases,
// retries, judge verdicts, and cycle supervision. Orchestration lives here;
// persistence and transport live behind the domain ports.
package usecase

import (
	"log/slog"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// Events appends audit records and mirrors them to an optional external bus.
// The store is authoritative; mirror failures are logged and swallowed.
type Events struct {
	Repo   domain.EventRepository
	Mirror domain.EventPublisher
}

// Emit appends one event. Every engine decision calls this exactly once with
// a stable type string.
func (e *Events) Emit(ctx domain.Context, eventType, entityType, entityID string, payload map[string]any) {
	ev := domain.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	}
	id, err := e.Repo.Append(ctx, ev)
	if err != nil {
		slog.Error("event append failed",
			slog.String("event_type", eventType),
			slog.String("entity_id", entityID),
			slog.Any("error", err))
		return
	}
	ev.ID = id
	if e.Mirror != nil {
		if err := e.Mirror.Publish(ctx, ev); err != nil {
			slog.Warn("event mirror failed", slog.String("event_type", eventType), slog.Any("error", err))
		}
	}
}
