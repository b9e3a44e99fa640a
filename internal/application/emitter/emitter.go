// Package emitter is the API a service handler calls to enqueue a domain
// event atomically with its local write. The event row and the business
// mutation share one transaction: if the transaction commits the event is
// durably queued, if it rolls back no event exists. There is never a
// published event for a write that did not happen.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/outbox"
	"github.com/microshop/eventcore/internal/infrastructure/observability"
)

// OutboxWriter is the slice of the outbox repository the emitter needs.
type OutboxWriter interface {
	Insert(ctx context.Context, record *outbox.Record) error
}

// TransactionProbe reports whether the context carries an open transaction.
// Wire postgres.InTx here.
type TransactionProbe func(ctx context.Context) bool

// Emitter enqueues domain events into the outbox.
type Emitter struct {
	outbox  OutboxWriter
	inTx    TransactionProbe
	metrics *observability.Metrics
}

// NewEmitter creates an Emitter. metrics may be nil.
func NewEmitter(outbox OutboxWriter, inTx TransactionProbe, metrics *observability.Metrics) *Emitter {
	return &Emitter{outbox: outbox, inTx: inTx, metrics: metrics}
}

// Enqueue appends an event row inside the caller's open transaction and
// returns the event id. Calling it outside a transaction is a programmer
// error and fails with ErrNoTransaction. payload may be a map or any
// JSON-serializable struct (see pkg/events).
func (e *Emitter) Enqueue(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) (uuid.UUID, error) {
	if !e.inTx(ctx) {
		return uuid.Nil, domainErrors.ErrNoTransaction
	}

	body, err := toMap(payload)
	if err != nil {
		return uuid.Nil, err
	}

	rec := outbox.NewRecord(aggregateType, aggregateID, eventType, body)
	if err := e.outbox.Insert(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", eventType, err)
	}

	if e.metrics != nil {
		e.metrics.OutboxEnqueued.WithLabelValues(aggregateType, eventType).Inc()
	}
	return rec.ID, nil
}

func toMap(payload any) (map[string]any, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domainErrors.ErrEncoding, err)
		}
		m := make(map[string]any)
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: payload must be an object: %v", domainErrors.ErrEncoding, err)
		}
		return m, nil
	}
}
