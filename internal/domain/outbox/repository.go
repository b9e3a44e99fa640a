package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert creates a new outbox record (inside the caller's transaction)
	Insert(ctx context.Context, record *Record) error

	// ClaimBatch leases up to limit ready records for the given relay
	// instance, oldest first. Records whose aggregate still has an earlier
	// undispatched record are held back to preserve per-aggregate order.
	ClaimBatch(ctx context.Context, instanceID string, limit int, leaseTTL time.Duration) ([]*Record, error)

	// MarkDispatched marks a record as dispatched. Dispatched is terminal.
	MarkDispatched(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a dispatch failure: increments the attempt count,
	// stores the error, schedules the retry, and releases the lease. Once
	// attempts are exhausted the record moves to failed.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, retryIn time.Duration) error

	// Fail moves a record straight to failed, bypassing the retry budget.
	// Used for non-retryable failures such as unserializable payloads.
	Fail(ctx context.Context, id uuid.UUID, lastError string) error

	// ReleaseClaims drops all leases held by the given relay instance.
	ReleaseClaims(ctx context.Context, instanceID string) error

	// Requeue moves a failed record back to pending with a fresh attempt
	// budget. Operator action.
	Requeue(ctx context.Context, id uuid.UUID) error

	// ListFailed returns failed records for operator inspection.
	ListFailed(ctx context.Context, limit int) ([]*Record, error)

	// PendingLag counts pending records older than the given age.
	PendingLag(ctx context.Context, olderThan time.Duration) (int64, error)
}
