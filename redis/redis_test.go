package redis

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/attestation-gate/keyset"
	"github.com/kacy/attestation-gate/replay"
)

// mockRedis is a simple in-memory mock of Redis for testing.
type mockRedis struct {
	mu      sync.RWMutex
	data    map[string]mockEntry
	lastTTL time.Duration
	failErr error
}

type mockEntry struct {
	value     string
	expiresAt time.Time
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		data: make(map[string]mockEntry),
	}
}

func (m *mockRedis) Get(ctx context.Context, key string) StringCmd {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failErr != nil {
		return &mockStringCmd{err: m.failErr}
	}
	entry, ok := m.data[key]
	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return &mockStringCmd{err: mockNilErr}
	}
	return &mockStringCmd{val: entry.value}
}

func (m *mockRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return &mockStatusCmd{err: m.failErr}
	}
	m.put(key, value, expiration)
	return &mockStatusCmd{}
}

func (m *mockRedis) SetNX(ctx context.Context, key string, value any, expiration time.Duration) BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return &mockBoolCmd{err: m.failErr}
	}
	if e, exists := m.data[key]; exists && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)) {
		return &mockBoolCmd{val: false}
	}
	m.put(key, value, expiration)
	return &mockBoolCmd{val: true}
}

func (m *mockRedis) Del(ctx context.Context, keys ...string) IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return &mockIntCmd{err: m.failErr}
	}
	var deleted int64
	for _, key := range keys {
		if _, exists := m.data[key]; exists {
			delete(m.data, key)
			deleted++
		}
	}
	return &mockIntCmd{val: deleted}
}

func (m *mockRedis) put(key string, value any, expiration time.Duration) {
	var expiresAt time.Time
	if expiration > 0 {
		expiresAt = time.Now().Add(expiration)
	}
	m.lastTTL = expiration
	m.data[key] = mockEntry{value: toString(value), expiresAt: expiresAt}
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

// Mock command implementations
type mockNilError struct{}

func (e mockNilError) Error() string { return "redis: nil" }

var mockNilErr = mockNilError{}

type mockStringCmd struct {
	val string
	err error
}

func (c *mockStringCmd) Result() (string, error) { return c.val, c.err }

type mockStatusCmd struct {
	err error
}

func (c *mockStatusCmd) Err() error { return c.err }

type mockBoolCmd struct {
	val bool
	err error
}

func (c *mockBoolCmd) Result() (bool, error) { return c.val, c.err }

type mockIntCmd struct {
	val int64
	err error
}

func (c *mockIntCmd) Result() (int64, error) { return c.val, c.err }

// Challenge store

func TestNewChallengeStore_Validation(t *testing.T) {
	_, err := NewChallengeStore(ChallengeStoreConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is required")

	store, err := NewChallengeStore(ChallengeStoreConfig{
		Client: newMockRedis(),
	})
	assert.NoError(t, err)
	assert.NotNil(t, store)
}

func TestChallengeStore_GenerateAndValidate(t *testing.T) {
	ctx := context.Background()
	store, err := NewChallengeStore(ChallengeStoreConfig{
		Client:  newMockRedis(),
		Timeout: 5 * time.Minute,
	})
	require.NoError(t, err)

	challenge, err := store.Generate(ctx, "instance-1")
	require.NoError(t, err)
	assert.Len(t, challenge, 43) // base64url of 32 bytes

	ok, err := store.Validate(ctx, "instance-1", challenge)
	require.NoError(t, err)
	assert.True(t, ok)

	// Challenge consumed
	ok, err = store.Validate(ctx, "instance-1", challenge)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChallengeStore_InvalidChallenge(t *testing.T) {
	ctx := context.Background()
	store, err := NewChallengeStore(ChallengeStoreConfig{
		Client: newMockRedis(),
	})
	require.NoError(t, err)

	challenge, err := store.Generate(ctx, "instance-1")
	require.NoError(t, err)

	ok, err := store.Validate(ctx, "instance-1", "wrong-challenge")
	require.NoError(t, err)
	assert.False(t, ok)

	// A mismatch leaves the outstanding challenge usable.
	ok, err = store.Validate(ctx, "instance-1", challenge)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChallengeStore_UnknownInstance(t *testing.T) {
	store, err := NewChallengeStore(ChallengeStoreConfig{
		Client: newMockRedis(),
	})
	require.NoError(t, err)

	ok, err := store.Validate(context.Background(), "nonexistent", "any-challenge")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChallengeStore_RedisError(t *testing.T) {
	client := newMockRedis()
	client.failErr = errors.New("connection refused")
	store, err := NewChallengeStore(ChallengeStoreConfig{Client: client})
	require.NoError(t, err)

	_, err = store.Generate(context.Background(), "instance-1")
	assert.Error(t, err)

	_, err = store.Validate(context.Background(), "instance-1", "c")
	assert.Error(t, err)
}

// Replay guard

func TestNewReplayGuard_Validation(t *testing.T) {
	_, err := NewReplayGuard(ReplayGuardConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is required")
}

func TestReplayGuard_Consume(t *testing.T) {
	ctx := context.Background()
	guard, err := NewReplayGuard(ReplayGuardConfig{Client: newMockRedis()})
	require.NoError(t, err)
	defer guard.Close()

	exp := time.Now().Add(time.Minute)

	ok, err := guard.Consume(ctx, "nonce-1", exp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = guard.Consume(ctx, "nonce-1", exp)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = guard.Consume(ctx, "nonce-2", exp)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplayGuard_TTLCoversSkewWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	client := newMockRedis()
	guard, err := NewReplayGuard(ReplayGuardConfig{
		Client:        client,
		SkewTolerance: 30 * time.Second,
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)

	_, err = guard.Consume(context.Background(), "nonce-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, client.lastTTL)

	// An already expired token still gets a positive TTL.
	_, err = guard.Consume(context.Background(), "nonce-2", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Second, client.lastTTL)
}

func TestReplayGuard_InvalidNonce(t *testing.T) {
	guard, err := NewReplayGuard(ReplayGuardConfig{Client: newMockRedis()})
	require.NoError(t, err)

	_, err = guard.Consume(context.Background(), "", time.Now())
	assert.ErrorIs(t, err, replay.ErrInvalidNonce)
}

func TestReplayGuard_RedisError(t *testing.T) {
	client := newMockRedis()
	client.failErr = errors.New("connection refused")
	guard, err := NewReplayGuard(ReplayGuardConfig{Client: client})
	require.NoError(t, err)

	ok, err := guard.Consume(context.Background(), "nonce-1", time.Now().Add(time.Minute))
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestReplayGuard_ConcurrentSingleWinner(t *testing.T) {
	guard, err := NewReplayGuard(ReplayGuardConfig{Client: newMockRedis()})
	require.NoError(t, err)

	exp := time.Now().Add(time.Minute)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := guard.Consume(context.Background(), "nonce-1", exp); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// Key set snapshot

func generateTestKey(t *testing.T, kid string) keyset.Key {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return keyset.Key{
		ID:         kid,
		Algorithm:  "ES256",
		Public:     &privKey.PublicKey,
		ValidUntil: time.Unix(1900000000, 0),
	}
}

func TestNewKeySetCache_Validation(t *testing.T) {
	_, err := NewKeySetCache(KeySetCacheConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is required")
}

func TestKeySetCache_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	cache, err := NewKeySetCache(KeySetCacheConfig{Client: newMockRedis()})
	require.NoError(t, err)

	fetchedAt := time.Unix(1700000000, 0)
	set := keyset.NewSet([]keyset.Key{generateTestKey(t, "kid-1"), generateTestKey(t, "kid-2")}, fetchedAt)
	require.NoError(t, cache.Save(ctx, set))

	loaded, err := cache.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.True(t, loaded.FetchedAt().Equal(fetchedAt))

	k, ok := loaded.Get("kid-1")
	require.True(t, ok)
	assert.Equal(t, "ES256", k.Algorithm)
	assert.True(t, k.ValidUntil.Equal(time.Unix(1900000000, 0)))
}

func TestKeySetCache_LoadMissing(t *testing.T) {
	cache, err := NewKeySetCache(KeySetCacheConfig{Client: newMockRedis()})
	require.NoError(t, err)

	_, err = cache.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestKeySetCache_LoadCorrupt(t *testing.T) {
	client := newMockRedis()
	client.data["attest:keyset"] = mockEntry{value: "not cbor"}
	cache, err := NewKeySetCache(KeySetCacheConfig{Client: client})
	require.NoError(t, err)

	_, err = cache.Load(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSnapshot)
}

func TestKeySetCache_BacksKeyStore(t *testing.T) {
	ctx := context.Background()
	cache, err := NewKeySetCache(KeySetCacheConfig{Client: newMockRedis()})
	require.NoError(t, err)
	require.NoError(t, cache.Save(ctx, keyset.NewSet([]keyset.Key{generateTestKey(t, "kid-1")}, time.Now())))

	store, err := keyset.NewStore(keyset.Config{
		Fetcher: keyset.FetcherFunc(func(context.Context) (*keyset.Set, error) {
			return nil, errors.New("provider down")
		}),
		Snapshot: cache,
	})
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Start(ctx))
	k, err := store.Lookup(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, "kid-1", k.ID)
}
