package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/outbox"
)

// SchemaVersion is the envelope version stamped on everything this producer
// emits. Consumers reject envelopes with a different major version.
const SchemaVersion = "1.0"

// Envelope is the wire form of a domain event. The id is globally unique
// across producers and is the sole downstream dedup key. event_type strings
// are the stable public contract between services.
type Envelope struct {
	ID            uuid.UUID       `json:"id" validate:"required"`
	EventType     string          `json:"event_type" validate:"required"`
	OccurredAt    time.Time       `json:"occurred_at" validate:"required"`
	Producer      string          `json:"producer" validate:"required"`
	SchemaVersion string          `json:"schema_version" validate:"required"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
	CausationID   *uuid.UUID      `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type" validate:"required"`
	AggregateID   string          `json:"aggregate_id" validate:"required"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

var validate = validator.New()

// Codec serializes outbox records to wire envelopes and back.
type Codec struct {
	producer string
}

// NewCodec creates a codec stamping envelopes with the given producer name
// (the emitting service, e.g. "user-service").
func NewCodec(producer string) *Codec {
	return &Codec{producer: producer}
}

// Encode converts an outbox record into its wire envelope and the serialized
// bytes to put on the bus. An unserializable payload is a non-retryable
// ErrEncoding.
func (c *Codec) Encode(rec *outbox.Record) (*Envelope, []byte, error) {
	var payload json.RawMessage
	if rec.Payload != nil {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", domainErrors.ErrEncoding, err)
		}
		payload = raw
	}

	env := &Envelope{
		ID:            rec.ID,
		EventType:     rec.EventType,
		OccurredAt:    rec.CreatedAt,
		Producer:      c.producer,
		SchemaVersion: SchemaVersion,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		Payload:       payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domainErrors.ErrEncoding, err)
	}
	return env, data, nil
}

// Decode parses and validates a wire envelope. Consumers call this before the
// dedup guard; a malformed or unknown-version envelope is rejected without
// crashing the consumer.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrMalformedEnvelope, err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrMalformedEnvelope, err)
	}
	if majorVersion(env.SchemaVersion) != majorVersion(SchemaVersion) {
		return nil, fmt.Errorf("%w: got %q", domainErrors.ErrUnknownVersion, env.SchemaVersion)
	}
	return &env, nil
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}
