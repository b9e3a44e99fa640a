package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/event"
	"github.com/microshop/eventcore/internal/domain/inbox"
	"github.com/microshop/eventcore/internal/domain/outbox"
)

// --- Outbox Repository Mock ---

// MockOutboxRepository is an in-memory implementation of outbox.Repository.
// It mirrors the lease and ordering semantics of the Postgres repository
// closely enough to drive the relay in tests.
type MockOutboxRepository struct {
	mu      sync.Mutex
	records []*outbox.Record

	InsertFunc         func(ctx context.Context, rec *outbox.Record) error
	ClaimBatchFunc     func(ctx context.Context, instanceID string, limit int, leaseTTL time.Duration) ([]*outbox.Record, error)
	MarkDispatchedFunc func(ctx context.Context, id uuid.UUID) error
	MarkFailedFunc     func(ctx context.Context, id uuid.UUID, lastError string, retryIn time.Duration) error
	FailFunc           func(ctx context.Context, id uuid.UUID, lastError string) error
	ReleaseClaimsFunc  func(ctx context.Context, instanceID string) error
	RequeueFunc        func(ctx context.Context, id uuid.UUID) error
	ListFailedFunc     func(ctx context.Context, limit int) ([]*outbox.Record, error)
	PendingLagFunc     func(ctx context.Context, olderThan time.Duration) (int64, error)
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

func (m *MockOutboxRepository) Insert(ctx context.Context, rec *outbox.Record) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	m.records = append(m.records, &clone)
	return nil
}

func (m *MockOutboxRepository) ClaimBatch(ctx context.Context, instanceID string, limit int, leaseTTL time.Duration) ([]*outbox.Record, error) {
	if m.ClaimBatchFunc != nil {
		return m.ClaimBatchFunc(ctx, instanceID, limit, leaseTTL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var claimed []*outbox.Record
	for _, rec := range m.records {
		if len(claimed) >= limit {
			break
		}
		if rec.Status != outbox.StatusPending || rec.NextAttemptAt.After(now) {
			continue
		}
		if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
			continue
		}
		if m.blockedByPrior(rec) {
			continue
		}
		until := now.Add(leaseTTL)
		id := instanceID
		rec.LockedBy = &id
		rec.LockedUntil = &until
		clone := *rec
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

// blockedByPrior mirrors the repository's ordering guard: only the head of
// an aggregate's queue is claimable, so any earlier record of the same
// aggregate that is not yet dispatched holds this record back.
func (m *MockOutboxRepository) blockedByPrior(rec *outbox.Record) bool {
	for _, prior := range m.records {
		if prior.AggregateType != rec.AggregateType || prior.AggregateID != rec.AggregateID {
			continue
		}
		if !prior.CreatedAt.Before(rec.CreatedAt) {
			continue
		}
		if prior.Status != outbox.StatusDispatched {
			return true
		}
	}
	return false
}

func (m *MockOutboxRepository) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	if m.MarkDispatchedFunc != nil {
		return m.MarkDispatchedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.find(id)
	if rec == nil || rec.Status != outbox.StatusPending {
		return domainErrors.ErrRecordNotFound
	}
	now := time.Now()
	rec.Status = outbox.StatusDispatched
	rec.DispatchedAt = &now
	rec.LockedBy = nil
	rec.LockedUntil = nil
	return nil
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, retryIn time.Duration) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id, lastError, retryIn)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.find(id)
	if rec == nil || rec.Status != outbox.StatusPending {
		return nil
	}
	rec.AttemptCount++
	rec.LastError = &lastError
	rec.NextAttemptAt = time.Now().Add(retryIn)
	rec.LockedBy = nil
	rec.LockedUntil = nil
	if rec.AttemptCount >= rec.MaxAttempts {
		rec.Status = outbox.StatusFailed
	}
	return nil
}

func (m *MockOutboxRepository) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	if m.FailFunc != nil {
		return m.FailFunc(ctx, id, lastError)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.find(id)
	if rec == nil || rec.Status != outbox.StatusPending {
		return nil
	}
	rec.AttemptCount++
	rec.LastError = &lastError
	rec.Status = outbox.StatusFailed
	rec.LockedBy = nil
	rec.LockedUntil = nil
	return nil
}

func (m *MockOutboxRepository) ReleaseClaims(ctx context.Context, instanceID string) error {
	if m.ReleaseClaimsFunc != nil {
		return m.ReleaseClaimsFunc(ctx, instanceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Status == outbox.StatusPending && rec.LockedBy != nil && *rec.LockedBy == instanceID {
			rec.LockedBy = nil
			rec.LockedUntil = nil
		}
	}
	return nil
}

func (m *MockOutboxRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	if m.RequeueFunc != nil {
		return m.RequeueFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.find(id)
	if rec == nil || rec.Status != outbox.StatusFailed {
		return domainErrors.ErrNotFailed
	}
	rec.Status = outbox.StatusPending
	rec.AttemptCount = 0
	rec.NextAttemptAt = time.Now()
	return nil
}

func (m *MockOutboxRepository) ListFailed(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if m.ListFailedFunc != nil {
		return m.ListFailedFunc(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []*outbox.Record
	for _, rec := range m.records {
		if rec.Status == outbox.StatusFailed && len(failed) < limit {
			clone := *rec
			failed = append(failed, &clone)
		}
	}
	return failed, nil
}

func (m *MockOutboxRepository) PendingLag(ctx context.Context, olderThan time.Duration) (int64, error) {
	if m.PendingLagFunc != nil {
		return m.PendingLagFunc(ctx, olderThan)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var count int64
	for _, rec := range m.records {
		if rec.Status == outbox.StatusPending && rec.CreatedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// Get returns a snapshot of the stored record with the given id, or nil.
func (m *MockOutboxRepository) Get(id uuid.UUID) *outbox.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.find(id); rec != nil {
		clone := *rec
		return &clone
	}
	return nil
}

// All returns a snapshot of every stored record in insertion order.
func (m *MockOutboxRepository) All() []*outbox.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*outbox.Record, 0, len(m.records))
	for _, rec := range m.records {
		clone := *rec
		out = append(out, &clone)
	}
	return out
}

func (m *MockOutboxRepository) find(id uuid.UUID) *outbox.Record {
	for _, rec := range m.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

// --- Dedup Guard Mock ---

type guardKey struct {
	group string
	id    uuid.UUID
}

// MockGuard is an in-memory implementation of inbox.Guard.
type MockGuard struct {
	mu     sync.Mutex
	states map[guardKey]inbox.State
	leases map[guardKey]time.Time

	TryAcquireFunc    func(ctx context.Context, group string, eventID uuid.UUID, lease time.Duration) (inbox.Acquisition, error)
	MarkProcessedFunc func(ctx context.Context, group string, eventID uuid.UUID) error
	ReleaseFunc       func(ctx context.Context, group string, eventID uuid.UUID) error
}

func NewMockGuard() *MockGuard {
	return &MockGuard{
		states: make(map[guardKey]inbox.State),
		leases: make(map[guardKey]time.Time),
	}
}

func (m *MockGuard) TryAcquire(ctx context.Context, group string, eventID uuid.UUID, lease time.Duration) (inbox.Acquisition, error) {
	if m.TryAcquireFunc != nil {
		return m.TryAcquireFunc(ctx, group, eventID, lease)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := guardKey{group, eventID}
	switch m.states[key] {
	case inbox.StateProcessed:
		return inbox.AlreadyProcessed, nil
	case inbox.StateProcessing:
		if m.leases[key].After(time.Now()) {
			return 0, domainErrors.ErrLeaseHeld
		}
	}
	m.states[key] = inbox.StateProcessing
	m.leases[key] = time.Now().Add(lease)
	return inbox.Fresh, nil
}

func (m *MockGuard) MarkProcessed(ctx context.Context, group string, eventID uuid.UUID) error {
	if m.MarkProcessedFunc != nil {
		return m.MarkProcessedFunc(ctx, group, eventID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := guardKey{group, eventID}
	if m.states[key] != inbox.StateProcessing {
		return domainErrors.ErrLeaseHeld
	}
	m.states[key] = inbox.StateProcessed
	delete(m.leases, key)
	return nil
}

func (m *MockGuard) Release(ctx context.Context, group string, eventID uuid.UUID) error {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, group, eventID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := guardKey{group, eventID}
	if m.states[key] == inbox.StateProcessing {
		delete(m.states, key)
		delete(m.leases, key)
	}
	return nil
}

// --- Sender Mock ---

// MockSender records envelopes in send order.
type MockSender struct {
	mu   sync.Mutex
	sent []*event.Envelope

	SendFunc func(ctx context.Context, env *event.Envelope, data []byte) error
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) Send(ctx context.Context, env *event.Envelope, data []byte) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, env, data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, env)
	return nil
}

// Sent returns a snapshot of the envelopes sent so far.
func (m *MockSender) Sent() []*event.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*event.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}
