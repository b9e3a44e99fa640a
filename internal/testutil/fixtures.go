package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/microshop/eventcore/internal/domain/event"
	"github.com/microshop/eventcore/internal/domain/outbox"
)

// NewTestRecord builds a pending outbox record whose creation time is offset
// from now, so tests can lay out explicit per-aggregate orderings.
func NewTestRecord(aggregateType, aggregateID, eventType string, age time.Duration) *outbox.Record {
	rec := outbox.NewRecord(aggregateType, aggregateID, eventType, map[string]any{
		"fixture": eventType,
	})
	rec.CreatedAt = time.Now().Add(-age)
	rec.NextAttemptAt = rec.CreatedAt
	return rec
}

// NewTestEnvelope builds a valid wire envelope and its encoded bytes.
func NewTestEnvelope(eventType, aggregateType, aggregateID string) (*event.Envelope, []byte) {
	env := &event.Envelope{
		ID:            uuid.Must(uuid.NewV7()),
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		Producer:      "user-service",
		SchemaVersion: event.SchemaVersion,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       json.RawMessage(`{"fixture":true}`),
	}
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return env, data
}
