package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/inbox"
)

var errConnRefused = errors.New("connection refused")

// fakeRedis implements Client over an in-memory map. Lua scripts are
// evaluated by their compare-and-act semantics: both guard scripts check the
// stored token before mutating.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	failing bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
}

func (f *fakeRedis) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if f.failing {
		return redis.NewBoolResult(false, errConnRefused)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.failing {
		return redis.NewStringResult("", errConnRefused)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if f.failing {
		return redis.NewCmdResult(nil, errConnRefused)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keys[0]
	token := fmt.Sprint(args[0])
	if f.data[key] != token {
		return redis.NewCmdResult(int64(0), nil)
	}
	if strings.Contains(script, `"del"`) {
		delete(f.data, key)
	} else {
		f.data[key] = fmt.Sprint(args[1])
	}
	return redis.NewCmdResult(int64(1), nil)
}

// scriptMissingError implements redis.Error so Script.Run recognizes the
// NOSCRIPT prefix and falls back to Eval.
type scriptMissingError string

func (e scriptMissingError) Error() string { return string(e) }
func (e scriptMissingError) RedisError()   {}

// EvalSha reports the script as unknown so Script.Run falls back to Eval.
func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return redis.NewCmdResult(nil, scriptMissingError("NOSCRIPT No matching script"))
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, sha1, keys, args...)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestDedupGuard_FreshThenProcessed(t *testing.T) {
	store := newFakeRedis()
	guard := NewDedupGuard(store, time.Hour)
	eventID := uuid.Must(uuid.NewV7())

	acq, err := guard.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, inbox.Fresh, acq)

	require.NoError(t, guard.MarkProcessed(context.Background(), "search-indexer", eventID))

	val, ok := store.get(leaseKey("search-indexer", eventID))
	require.True(t, ok)
	assert.Equal(t, processedValue, val)
}

func TestDedupGuard_RedeliveryAfterProcessing(t *testing.T) {
	store := newFakeRedis()
	guard := NewDedupGuard(store, time.Hour)
	eventID := uuid.Must(uuid.NewV7())

	_, err := guard.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, guard.MarkProcessed(context.Background(), "search-indexer", eventID))

	acq, err := guard.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, inbox.AlreadyProcessed, acq)
}

func TestDedupGuard_ConcurrentLeaseHeld(t *testing.T) {
	store := newFakeRedis()
	first := NewDedupGuard(store, time.Hour)
	second := NewDedupGuard(store, time.Hour)
	eventID := uuid.Must(uuid.NewV7())

	_, err := first.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	require.NoError(t, err)

	_, err = second.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	assert.ErrorIs(t, err, domainErrors.ErrLeaseHeld)
}

func TestDedupGuard_GroupsAreIndependent(t *testing.T) {
	store := newFakeRedis()
	guard := NewDedupGuard(store, time.Hour)
	eventID := uuid.Must(uuid.NewV7())

	_, err := guard.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	require.NoError(t, err)

	acq, err := guard.TryAcquire(context.Background(), "mailer", eventID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, inbox.Fresh, acq)
}

func TestDedupGuard_StoreOutageFailsClosed(t *testing.T) {
	store := newFakeRedis()
	store.failing = true
	guard := NewDedupGuard(store, time.Hour)

	_, err := guard.TryAcquire(context.Background(), "search-indexer", uuid.Must(uuid.NewV7()), time.Minute)
	assert.ErrorIs(t, err, domainErrors.ErrDedupUnavailable)
}

func TestDedupGuard_MarkProcessedWithoutLease(t *testing.T) {
	// A restarted consumer has lost its lease tokens; it must reacquire
	// instead of marking an event it no longer owns.
	guard := NewDedupGuard(newFakeRedis(), time.Hour)

	err := guard.MarkProcessed(context.Background(), "search-indexer", uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, domainErrors.ErrLeaseHeld)
}

func TestDedupGuard_MarkProcessedAfterLeaseStolen(t *testing.T) {
	store := newFakeRedis()
	guard := NewDedupGuard(store, time.Hour)
	eventID := uuid.Must(uuid.NewV7())

	_, err := guard.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	require.NoError(t, err)

	// The lease expired and another consumer wrote its own token.
	store.set(leaseKey("search-indexer", eventID), "someone-else")

	err = guard.MarkProcessed(context.Background(), "search-indexer", eventID)
	assert.ErrorIs(t, err, domainErrors.ErrLeaseHeld)
	got, _ := store.get(leaseKey("search-indexer", eventID))
	assert.Equal(t, "someone-else", got)
}

func TestDedupGuard_ReleaseReopensLease(t *testing.T) {
	store := newFakeRedis()
	guard := NewDedupGuard(store, time.Hour)
	eventID := uuid.Must(uuid.NewV7())

	_, err := guard.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, guard.Release(context.Background(), "search-indexer", eventID))

	acq, err := guard.TryAcquire(context.Background(), "search-indexer", eventID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, inbox.Fresh, acq)
}

func TestDedupGuard_ReleaseWithoutLeaseIsNoop(t *testing.T) {
	store := newFakeRedis()
	guard := NewDedupGuard(store, time.Hour)
	eventID := uuid.Must(uuid.NewV7())

	// Another consumer owns the lease; releasing must not touch it.
	store.set(leaseKey("search-indexer", eventID), "someone-else")

	require.NoError(t, guard.Release(context.Background(), "search-indexer", eventID))
	got, _ := store.get(leaseKey("search-indexer", eventID))
	assert.Equal(t, "someone-else", got)
}
