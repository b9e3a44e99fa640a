package ops

import (
	"time"

	"github.com/microshop/eventcore/internal/domain/outbox"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type LagResponse struct {
	Pending   int64  `json:"pending"`
	Threshold string `json:"threshold"`
}

type RecordResponse struct {
	ID            string     `json:"id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
}

type FailedListResponse struct {
	Records []RecordResponse `json:"records"`
	Count   int              `json:"count"`
}

type RequeueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func toRecordResponse(rec *outbox.Record) RecordResponse {
	return RecordResponse{
		ID:            rec.ID.String(),
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		EventType:     rec.EventType,
		Status:        string(rec.Status),
		AttemptCount:  rec.AttemptCount,
		MaxAttempts:   rec.MaxAttempts,
		LastError:     rec.LastError,
		NextAttemptAt: rec.NextAttemptAt,
		CreatedAt:     rec.CreatedAt,
		DispatchedAt:  rec.DispatchedAt,
	}
}
