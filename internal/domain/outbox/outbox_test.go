package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	payload := map[string]any{
		"user_id":   "a4f9c1d2-0000-0000-0000-000000000001",
		"email":     "jane@example.com",
		"is_active": true,
	}

	rec := NewRecord("user", "a4f9c1d2-0000-0000-0000-000000000001", "user.created", payload)

	require.NotNil(t, rec)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, "user", rec.AggregateType)
	assert.Equal(t, "user.created", rec.EventType)
	assert.Equal(t, payload, rec.Payload)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.Equal(t, DefaultMaxAttempts, rec.MaxAttempts)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, rec.CreatedAt, rec.NextAttemptAt)
	assert.Nil(t, rec.LastError)
	assert.Nil(t, rec.LockedBy)
	assert.Nil(t, rec.DispatchedAt)
}

func TestNewRecord_IDsAreTimeOrdered(t *testing.T) {
	// UUIDv7 ids sort in creation order, which is what makes them usable
	// as the dedup key and as a tiebreaker for dispatch order.
	first := NewRecord("user", "u1", "user.created", nil)
	time.Sleep(2 * time.Millisecond)
	second := NewRecord("user", "u1", "user.updated", nil)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, uuid.Version(7), first.ID.Version())
	assert.LessOrEqual(t, first.ID.String(), second.ID.String())
}

func TestNewRecord_StringAggregateIDs(t *testing.T) {
	tests := []struct {
		name          string
		aggregateType string
		aggregateID   string
		eventType     string
	}{
		{"user uuid", "user", uuid.NewString(), "user.deleted"},
		{"product object id", "product", "64b7f3a2e13f4c0012ab34cd", "product.stock.changed"},
		{"order numeric", "order", "1042", "order.created"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRecord(tt.aggregateType, tt.aggregateID, tt.eventType, nil)
			assert.Equal(t, tt.aggregateID, rec.AggregateID)
			assert.Equal(t, tt.eventType, rec.EventType)
		})
	}
}

func TestExhausted(t *testing.T) {
	rec := NewRecord("user", "u1", "user.created", nil)
	assert.False(t, rec.Exhausted())

	rec.AttemptCount = rec.MaxAttempts - 1
	assert.False(t, rec.Exhausted())

	rec.AttemptCount = rec.MaxAttempts
	assert.True(t, rec.Exhausted())
}

func TestNextBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NextBackoff(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestStatus_Constants(t *testing.T) {
	assert.Equal(t, Status("pending"), StatusPending)
	assert.Equal(t, Status("dispatched"), StatusDispatched)
	assert.Equal(t, Status("failed"), StatusFailed)
}
