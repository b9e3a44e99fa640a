package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/outbox"
)

func TestCodec_EncodeDecode(t *testing.T) {
	codec := NewCodec("user-service")
	rec := outbox.NewRecord("user", uuid.NewString(), "user.created", map[string]any{
		"email":     "jane@example.com",
		"full_name": "Jane Doe",
	})

	env, data, err := codec.Encode(rec)
	require.NoError(t, err)
	require.NotNil(t, env)

	assert.Equal(t, rec.ID, env.ID)
	assert.Equal(t, "user.created", env.EventType)
	assert.Equal(t, "user-service", env.Producer)
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Equal(t, "user", env.AggregateType)
	assert.Equal(t, rec.AggregateID, env.AggregateID)
	assert.Equal(t, rec.CreatedAt, env.OccurredAt)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.True(t, env.OccurredAt.Equal(decoded.OccurredAt))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, "jane@example.com", payload["email"])
}

func TestCodec_Encode_NilPayload(t *testing.T) {
	codec := NewCodec("user-service")
	rec := outbox.NewRecord("user", "u1", "user.deleted", nil)

	_, data, err := codec.Encode(rec)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, decoded.Payload)
}

func TestCodec_Encode_UnserializablePayload(t *testing.T) {
	codec := NewCodec("user-service")
	rec := outbox.NewRecord("user", "u1", "user.created", map[string]any{
		"bad": make(chan int),
	})

	_, _, err := codec.Encode(rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrEncoding)
	assert.False(t, domainErrors.IsRetryable(err))
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("not-json")},
		{"empty object", []byte(`{}`)},
		{"missing producer", []byte(`{"id":"018f3c9e-0000-7000-8000-000000000001","event_type":"user.created","occurred_at":"2024-01-15T10:30:00Z","schema_version":"1.0","aggregate_type":"user","aggregate_id":"u1"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, domainErrors.ErrMalformedEnvelope)
		})
	}
}

func TestDecode_UnknownMajorVersion(t *testing.T) {
	env := &Envelope{
		ID:            uuid.Must(uuid.NewV7()),
		EventType:     "user.created",
		OccurredAt:    time.Now().UTC(),
		Producer:      "user-service",
		SchemaVersion: "2.0",
		AggregateType: "user",
		AggregateID:   "u1",
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Decode(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrUnknownVersion)
}

func TestDecode_AcceptsMinorVersionDrift(t *testing.T) {
	env := &Envelope{
		ID:            uuid.Must(uuid.NewV7()),
		EventType:     "product.stock.changed",
		OccurredAt:    time.Now().UTC(),
		Producer:      "product-service",
		SchemaVersion: "1.3",
		AggregateType: "product",
		AggregateID:   "64b7f3a2e13f4c0012ab34cd",
		Payload:       json.RawMessage(`{"previous_stock":10,"new_stock":7}`),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "1.3", decoded.SchemaVersion)
}
