package emitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/outbox"
	"github.com/microshop/eventcore/internal/testutil"
	"github.com/microshop/eventcore/pkg/events"
)

func inTx(context.Context) bool    { return true }
func notInTx(context.Context) bool { return false }

func TestEnqueue_InsideTransaction(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	em := NewEmitter(repo, inTx, nil)

	id, err := em.Enqueue(context.Background(), "user", "u1", events.UserCreated, map[string]any{
		"email": "jane@example.com",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	rec := repo.Get(id)
	require.NotNil(t, rec)
	assert.Equal(t, "user", rec.AggregateType)
	assert.Equal(t, "u1", rec.AggregateID)
	assert.Equal(t, events.UserCreated, rec.EventType)
	assert.Equal(t, outbox.StatusPending, rec.Status)
	assert.Equal(t, "jane@example.com", rec.Payload["email"])
}

func TestEnqueue_OutsideTransaction(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	em := NewEmitter(repo, notInTx, nil)

	_, err := em.Enqueue(context.Background(), "user", "u1", events.UserCreated, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrNoTransaction)
	assert.Empty(t, repo.All())
}

func TestEnqueue_TypedPayload(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	em := NewEmitter(repo, inTx, nil)

	payload := events.ProductStockChangedPayload{
		ProductID:     "64b7f3a2e13f4c0012ab34cd",
		PreviousStock: 10,
		NewStock:      7,
		Change:        -3,
		Reason:        "sale",
		ChangedAt:     time.Now().UTC(),
	}
	id, err := em.Enqueue(context.Background(), "product", payload.ProductID, events.ProductStockChanged, payload)
	require.NoError(t, err)

	rec := repo.Get(id)
	require.NotNil(t, rec)
	assert.Equal(t, "sale", rec.Payload["reason"])
	assert.Equal(t, float64(-3), rec.Payload["change"])
}

func TestEnqueue_NonObjectPayload(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	em := NewEmitter(repo, inTx, nil)

	_, err := em.Enqueue(context.Background(), "user", "u1", events.UserCreated, "just-a-string")
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrEncoding)
}

func TestEnqueue_InsertFailure(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	boom := errors.New("connection reset")
	repo.InsertFunc = func(context.Context, *outbox.Record) error { return boom }
	em := NewEmitter(repo, inTx, nil)

	_, err := em.Enqueue(context.Background(), "user", "u1", events.UserCreated, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestEnqueue_SameAggregateOrdering(t *testing.T) {
	repo := testutil.NewMockOutboxRepository()
	em := NewEmitter(repo, inTx, nil)

	first, err := em.Enqueue(context.Background(), "user", "u1", events.UserCreated, nil)
	require.NoError(t, err)
	second, err := em.Enqueue(context.Background(), "user", "u1", events.UserUpdated, nil)
	require.NoError(t, err)

	all := repo.All()
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, second, all[1].ID)
	assert.False(t, all[1].CreatedAt.Before(all[0].CreatedAt))
}
