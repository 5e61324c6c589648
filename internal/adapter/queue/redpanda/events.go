// Package redpanda mirrors engine events to a Kafka/Redpanda topic for
// dashboards and offline analysis. The Postgres event stream stays
// authoritative; a publish failure is logged, never fatal.
package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// EventMirror publishes events to a single topic keyed by entity id so
// per-entity ordering survives partitioning.
type EventMirror struct {
	client *kgo.Client
	topic  string
}

// NewEventMirror connects a producer to the given brokers.
func NewEventMirror(brokers []string, topic string) (*EventMirror, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.mirror_new: %w", err)
	}
	return &EventMirror{client: client, topic: topic}, nil
}

// Publish mirrors one event.
func (m *EventMirror) Publish(ctx domain.Context, e domain.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=events.mirror_marshal: %w", err)
	}
	rec := &kgo.Record{Topic: m.topic, Key: []byte(e.EntityID), Value: value}
	if err := m.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		slog.Warn("event mirror publish failed",
			slog.String("event_type", e.Type),
			slog.Any("error", err))
		return fmt.Errorf("op=events.mirror_publish: %w", err)
	}
	return nil
}

// Close flushes and releases the producer.
func (m *EventMirror) Close() error {
	m.client.Close()
	return nil
}
