package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/outbox"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status,
	attempt_count, max_attempts, last_error, next_attempt_at, locked_by, locked_until,
	created_at, dispatched_at`

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *OutboxRepository) Insert(ctx context.Context, rec *outbox.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domainErrors.ErrEncoding, err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload,
		        status, attempt_count, max_attempts, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.AggregateType, rec.AggregateID, rec.EventType, payload,
		string(rec.Status), rec.AttemptCount, rec.MaxAttempts, rec.NextAttemptAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

// ClaimBatch leases up to limit dispatchable records for one relay instance.
// A record is dispatchable when it is pending, its retry time has come, no
// live lease is held on it, and it is the head of its aggregate's queue:
// every earlier record of the same aggregate is already dispatched. Gating
// on sibling status alone (not sibling leases) matters under concurrency:
// lease columns written by an uncommitted claim are invisible to another
// claimer's snapshot, but the predecessor's non-dispatched status is not, so
// two instances can never hold the same aggregate's events out of order.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, instanceID string, limit int, leaseTTL time.Duration) ([]*outbox.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx,
		`WITH ready AS (
		    SELECT o.id FROM outbox_events o
		    WHERE o.status = 'pending'
		      AND o.next_attempt_at <= now()
		      AND (o.locked_until IS NULL OR o.locked_until < now())
		      AND NOT EXISTS (
		          SELECT 1 FROM outbox_events prior
		          WHERE prior.aggregate_type = o.aggregate_type
		            AND prior.aggregate_id = o.aggregate_id
		            AND prior.created_at < o.created_at
		            AND prior.status <> 'dispatched'
		      )
		    ORDER BY o.created_at ASC
		    LIMIT $2
		    FOR UPDATE SKIP LOCKED
		 )
		 UPDATE outbox_events o
		 SET locked_by = $1, locked_until = now() + $3::interval
		 FROM ready
		 WHERE o.id = ready.id
		 RETURNING o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.status,
		        o.attempt_count, o.max_attempts, o.last_error, o.next_attempt_at, o.locked_by,
		        o.locked_until, o.created_at, o.dispatched_at`,
		instanceID, limit, leaseTTL,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve CTE order.
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'dispatched', dispatched_at = now(), locked_by = NULL, locked_until = NULL
		 WHERE id = $1 AND status = 'pending'`, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrRecordNotFound
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, retryIn time.Duration) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events
		 SET attempt_count = attempt_count + 1,
		     last_error = $2,
		     next_attempt_at = now() + $3::interval,
		     locked_by = NULL,
		     locked_until = NULL,
		     status = CASE WHEN attempt_count + 1 >= max_attempts THEN 'failed' ELSE 'pending' END
		 WHERE id = $1 AND status = 'pending'`, id, lastError, retryIn,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// Fail moves a record straight to failed. Retrying an unserializable payload
// will not help; it needs operator attention.
func (r *OutboxRepository) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'failed', attempt_count = attempt_count + 1, last_error = $2,
		     locked_by = NULL, locked_until = NULL
		 WHERE id = $1 AND status = 'pending'`, id, lastError,
	)
	if err != nil {
		return fmt.Errorf("fail outbox record: %w", err)
	}
	return nil
}

func (r *OutboxRepository) ReleaseClaims(ctx context.Context, instanceID string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events SET locked_by = NULL, locked_until = NULL
		 WHERE locked_by = $1 AND status = 'pending'`, instanceID,
	)
	if err != nil {
		return fmt.Errorf("release outbox claims: %w", err)
	}
	return nil
}

func (r *OutboxRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'pending', attempt_count = 0, next_attempt_at = now(),
		     locked_by = NULL, locked_until = NULL
		 WHERE id = $1 AND status = 'failed'`, id,
	)
	if err != nil {
		return fmt.Errorf("requeue outbox record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrNotFailed
	}
	return nil
}

func (r *OutboxRepository) ListFailed(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox_events WHERE status = 'failed'
		 ORDER BY created_at ASC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed outbox records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *OutboxRepository) PendingLag(ctx context.Context, olderThan time.Duration) (int64, error) {
	var count int64
	err := r.db(ctx).QueryRow(ctx,
		`SELECT count(*) FROM outbox_events
		 WHERE status = 'pending' AND created_at < now() - $1::interval`, olderThan,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("outbox pending lag: %w", err)
	}
	return count, nil
}

func scanRecords(rows pgx.Rows) ([]*outbox.Record, error) {
	var records []*outbox.Record
	for rows.Next() {
		rec := &outbox.Record{}
		var payload []byte
		var status string
		if err := rows.Scan(
			&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &payload, &status,
			&rec.AttemptCount, &rec.MaxAttempts, &rec.LastError, &rec.NextAttemptAt,
			&rec.LockedBy, &rec.LockedUntil, &rec.CreatedAt, &rec.DispatchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		rec.Status = outbox.Status(status)
		if len(payload) > 0 && string(payload) != "null" {
			rec.Payload = make(map[string]any)
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal outbox payload: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

