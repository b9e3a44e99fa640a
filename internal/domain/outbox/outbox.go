package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Record is one not-yet-published domain event, owned by the service that
// created it. It is inserted in the same transaction as the business write
// and drained to the bus by the relay.
type Record struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       map[string]any
	Status        Status
	AttemptCount  int
	MaxAttempts   int
	LastError     *string
	NextAttemptAt time.Time
	LockedBy      *string
	LockedUntil   *time.Time
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
)

const DefaultMaxAttempts = 5

// NewRecord builds a pending record with a UUIDv7 id. UUIDv7 ids are
// time-ordered, so they double as the downstream dedup key and sort in
// emission order within a producer.
func NewRecord(aggregateType, aggregateID, eventType string, payload map[string]any) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:            uuid.Must(uuid.NewV7()),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		AttemptCount:  0,
		MaxAttempts:   DefaultMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

// Exhausted reports whether the record has used up its dispatch attempts.
func (r *Record) Exhausted() bool {
	return r.AttemptCount >= r.MaxAttempts
}

// NextBackoff returns the delay before the given attempt is retried:
// base * 2^attempt, capped at max.
func NextBackoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
