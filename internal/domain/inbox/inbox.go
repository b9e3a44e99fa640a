package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record tracks one event identity for one consumer group. Presence of a
// processed record means the event's side effect has been fully applied for
// that group; a redelivery must be a no-op.
type Record struct {
	ConsumerGroup string
	EventID       uuid.UUID
	State         State
	LeaseUntil    *time.Time
	ProcessedAt   *time.Time
}

// State is the per-event, per-group lifecycle: unseen (no row) -> processing
// (leased) -> processed. A processing lease that expires returns the event to
// unseen, which is safe because the consumer's own write did not commit.
type State string

const (
	StateProcessing State = "processing"
	StateProcessed  State = "processed"
)

// Acquisition is the outcome of TryAcquire.
type Acquisition int

const (
	// Fresh means the caller holds the processing lease and must apply the
	// side effect, then MarkProcessed in the same transaction.
	Fresh Acquisition = iota
	// AlreadyProcessed means the event was fully applied before; skip it.
	AlreadyProcessed
)

// Guard is the consumer-side dedup check. Implementations must fail closed:
// if the dedup store is unreachable the consumer must not apply the side
// effect, it returns ErrDedupUnavailable and relies on redelivery.
type Guard interface {
	// TryAcquire claims the right to process an event for a group. Returns
	// ErrLeaseHeld while another consumer's lease is live.
	TryAcquire(ctx context.Context, group string, eventID uuid.UUID, lease time.Duration) (Acquisition, error)

	// MarkProcessed records that the event's side effect committed. Called
	// in the same transaction as the side effect where the store allows it.
	MarkProcessed(ctx context.Context, group string, eventID uuid.UUID) error

	// Release abandons a held lease without marking processed, returning
	// the event to unseen for reprocessing.
	Release(ctx context.Context, group string, eventID uuid.UUID) error
}
