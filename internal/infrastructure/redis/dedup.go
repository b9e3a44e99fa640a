package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/inbox"
)

const processedValue = "processed"

var (
	// Only the lease owner may mark processed; an expired-and-reacquired
	// lease belongs to someone else.
	markProcessedScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("set", KEYS[1], ARGV[2], "px", ARGV[3]) and 1
		else
			return 0
		end
	`)

	releaseLeaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// Client is the slice of the Redis API the guard uses. *redis.Client
// implements it.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	redis.Scripter
}

// DedupGuard is a Redis-backed inbox guard for consumers whose local store is
// not transactional (e.g. a document store without multi-document
// transactions). The lease is a SET NX key with expiry; processed markers are
// kept for a retention window, after which a very late redelivery would be
// reprocessed. Prefer the Postgres guard when a transactional store exists.
type DedupGuard struct {
	client    Client
	retention time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// NewDedupGuard creates a guard. retention bounds how long processed event
// ids are remembered.
func NewDedupGuard(client Client, retention time.Duration) *DedupGuard {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &DedupGuard{
		client:    client,
		retention: retention,
		tokens:    make(map[string]string),
	}
}

func leaseKey(group string, eventID uuid.UUID) string {
	return fmt.Sprintf("inbox:%s:%s", group, eventID)
}

func (g *DedupGuard) TryAcquire(ctx context.Context, group string, eventID uuid.UUID, lease time.Duration) (inbox.Acquisition, error) {
	key := leaseKey(group, eventID)
	token := uuid.New().String()

	ok, err := g.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: acquire inbox lease: %v", domainErrors.ErrDedupUnavailable, err)
	}
	if ok {
		g.mu.Lock()
		g.tokens[key] = token
		g.mu.Unlock()
		return inbox.Fresh, nil
	}

	val, err := g.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Lease expired between SetNX and Get; caller retries on redelivery.
		return 0, domainErrors.ErrLeaseHeld
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read inbox state: %v", domainErrors.ErrDedupUnavailable, err)
	}
	if val == processedValue {
		return inbox.AlreadyProcessed, nil
	}
	return 0, domainErrors.ErrLeaseHeld
}

func (g *DedupGuard) MarkProcessed(ctx context.Context, group string, eventID uuid.UUID) error {
	key := leaseKey(group, eventID)

	g.mu.Lock()
	token, ok := g.tokens[key]
	delete(g.tokens, key)
	g.mu.Unlock()
	if !ok {
		return domainErrors.ErrLeaseHeld
	}

	res, err := markProcessedScript.Run(ctx, g.client, []string{key},
		token, processedValue, g.retention.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("%w: mark processed: %v", domainErrors.ErrDedupUnavailable, err)
	}
	if val, ok := res.(int64); !ok || val == 0 {
		return domainErrors.ErrLeaseHeld
	}
	return nil
}

func (g *DedupGuard) Release(ctx context.Context, group string, eventID uuid.UUID) error {
	key := leaseKey(group, eventID)

	g.mu.Lock()
	token, ok := g.tokens[key]
	delete(g.tokens, key)
	g.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := releaseLeaseScript.Run(ctx, g.client, []string{key}, token).Result(); err != nil {
		return fmt.Errorf("%w: release inbox lease: %v", domainErrors.ErrDedupUnavailable, err)
	}
	return nil
}

var _ inbox.Guard = (*DedupGuard)(nil)
