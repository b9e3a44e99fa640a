package errors

import (
	"errors"
	"fmt"
)

var (
	// Enqueue errors
	ErrNoTransaction = errors.New("enqueue called outside a transaction")

	// Publisher errors
	ErrBrokerUnavailable = errors.New("message broker unavailable")
	ErrPublishTimeout    = errors.New("publish confirmation timed out")
	ErrPublishRejected   = errors.New("message rejected by broker")

	// Codec errors
	ErrEncoding          = errors.New("event payload cannot be encoded")
	ErrUnknownVersion    = errors.New("unsupported envelope schema version")
	ErrMalformedEnvelope = errors.New("malformed event envelope")

	// Outbox errors
	ErrRecordNotFound = errors.New("outbox record not found")
	ErrNotFailed      = errors.New("outbox record is not in failed state")

	// Inbox/dedup errors
	ErrLeaseHeld        = errors.New("event is being processed by another consumer")
	ErrDedupUnavailable = errors.New("dedup store unavailable")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a dispatch failure is worth retrying. An
// encoding failure or a broker rejection never succeeds on retry; transient
// broker-side failures might.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrEncoding), errors.Is(err, ErrUnknownVersion), errors.Is(err, ErrMalformedEnvelope):
		return false
	case errors.Is(err, ErrPublishRejected):
		return false
	default:
		return true
	}
}
