package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/inbox"
)

// InboxRepository is the transactional dedup guard. Consumers with a local
// Postgres store run TryAcquire and MarkProcessed inside the same transaction
// as their side-effecting write, which turns at-least-once delivery into
// effectively-once processing.
type InboxRepository struct {
	pool *pgxpool.Pool
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

func (r *InboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// TryAcquire claims the processing lease for (group, event). The insert and
// the expired-lease takeover are one atomic statement; losing the race shows
// up as a conflict with a live lease or a processed row.
func (r *InboxRepository) TryAcquire(ctx context.Context, group string, eventID uuid.UUID, lease time.Duration) (inbox.Acquisition, error) {
	var state string
	err := r.db(ctx).QueryRow(ctx,
		`INSERT INTO inbox_processed (consumer_group, event_id, state, lease_until)
		 VALUES ($1, $2, 'processing', now() + $3::interval)
		 ON CONFLICT (consumer_group, event_id) DO UPDATE
		 SET state = 'processing', lease_until = now() + $3::interval
		 WHERE inbox_processed.state = 'processing' AND inbox_processed.lease_until < now()
		 RETURNING state`, group, eventID, lease,
	).Scan(&state)
	if err == nil {
		return inbox.Fresh, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("%w: acquire inbox lease: %v", domainErrors.ErrDedupUnavailable, err)
	}

	// Conflict without takeover: either already applied or someone else
	// holds a live lease.
	err = r.db(ctx).QueryRow(ctx,
		`SELECT state FROM inbox_processed WHERE consumer_group = $1 AND event_id = $2`,
		group, eventID,
	).Scan(&state)
	if err != nil {
		return 0, fmt.Errorf("%w: read inbox state: %v", domainErrors.ErrDedupUnavailable, err)
	}
	if inbox.State(state) == inbox.StateProcessed {
		return inbox.AlreadyProcessed, nil
	}
	return 0, domainErrors.ErrLeaseHeld
}

// MarkProcessed flips the lease to processed. Processed is terminal; a
// redelivery of the event is a no-op from then on.
func (r *InboxRepository) MarkProcessed(ctx context.Context, group string, eventID uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE inbox_processed
		 SET state = 'processed', processed_at = now(), lease_until = NULL
		 WHERE consumer_group = $1 AND event_id = $2 AND state = 'processing'`,
		group, eventID,
	)
	if err != nil {
		return fmt.Errorf("%w: mark processed: %v", domainErrors.ErrDedupUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		// Lease expired and was taken over; our side effect must not commit.
		return domainErrors.ErrLeaseHeld
	}
	return nil
}

// Release abandons a held lease so the event returns to unseen.
func (r *InboxRepository) Release(ctx context.Context, group string, eventID uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`DELETE FROM inbox_processed
		 WHERE consumer_group = $1 AND event_id = $2 AND state = 'processing'`,
		group, eventID,
	)
	if err != nil {
		return fmt.Errorf("%w: release inbox lease: %v", domainErrors.ErrDedupUnavailable, err)
	}
	return nil
}

var _ inbox.Guard = (*InboxRepository)(nil)
