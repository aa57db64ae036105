package keyset

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/attestation-gate/token"
)

func generateKey(t *testing.T, kid string) Key {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return Key{ID: kid, Algorithm: "ES256", Public: &priv.PublicKey}
}

// jwksServer serves whatever key list is currently configured.
type jwksServer struct {
	mu     sync.Mutex
	keys   []Key
	status int
	hits   atomic.Int32
	srv    *httptest.Server
}

func newJWKSServer(t *testing.T, keys ...Key) *jwksServer {
	js := &jwksServer{keys: keys, status: http.StatusOK}
	js.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		js.hits.Add(1)
		js.mu.Lock()
		defer js.mu.Unlock()
		if js.status != http.StatusOK {
			w.WriteHeader(js.status)
			return
		}
		body, err := EncodeJWKS(js.keys)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(js.srv.Close)
	return js
}

func (js *jwksServer) set(status int, keys ...Key) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.status = status
	if keys != nil {
		js.keys = keys
	}
}

func newFetcher(t *testing.T, url string) *HTTPFetcher {
	f, err := NewHTTPFetcher(HTTPFetcherConfig{
		URL:         url,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	require.NoError(t, err)
	return f
}

func TestEncodeDecodeJWKS_Bounds(t *testing.T) {
	k := generateKey(t, "kid-1")
	k.ValidFrom = time.Unix(1700000000, 0)
	k.ValidUntil = time.Unix(1800000000, 0)

	data, err := EncodeJWKS([]Key{k})
	require.NoError(t, err)

	set, err := DecodeJWKS(data, time.Now())
	require.NoError(t, err)

	got, ok := set.Get("kid-1")
	require.True(t, ok)
	assert.Equal(t, "ES256", got.Algorithm)
	assert.True(t, got.ValidFrom.Equal(k.ValidFrom))
	assert.True(t, got.ValidUntil.Equal(k.ValidUntil))
	assert.IsType(t, &ecdsa.PublicKey{}, got.Public)
}

func TestDecodeJWKS_Errors(t *testing.T) {
	_, err := DecodeJWKS([]byte("{"), time.Now())
	assert.Error(t, err)

	_, err = DecodeJWKS([]byte(`{"keys":[]}`), time.Now())
	assert.ErrorIs(t, err, ErrEmptyKeySet)
}

func TestKey_ValidAt(t *testing.T) {
	now := time.Now()
	k := Key{ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour)}
	assert.True(t, k.ValidAt(now))
	assert.False(t, k.ValidAt(now.Add(-2*time.Hour)))
	assert.False(t, k.ValidAt(now.Add(2*time.Hour)))
	assert.True(t, Key{}.ValidAt(now))
}

func TestKey_ValidWithin(t *testing.T) {
	now := time.Now()
	k := Key{ValidFrom: now.Add(30 * time.Second), ValidUntil: now.Add(-30 * time.Second)}
	assert.False(t, k.ValidAt(now))
	assert.True(t, k.ValidWithin(now, time.Minute))
	assert.False(t, k.ValidWithin(now, 10*time.Second))
}

func TestStore_LookupToleratesProviderClockAhead(t *testing.T) {
	now := time.Now()
	rotated := generateKey(t, "kid-2")
	rotated.ValidFrom = now.Add(45 * time.Second).Truncate(time.Second)

	js := newJWKSServer(t, generateKey(t, "kid-1"), rotated)
	store, err := NewStore(Config{
		Fetcher:          newFetcher(t, js.srv.URL),
		ReactiveCooldown: -1,
		Now:              func() time.Time { return now },
	})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Start(context.Background()))

	k, err := store.Lookup(context.Background(), "kid-2")
	require.NoError(t, err)
	assert.Equal(t, "kid-2", k.ID)
	assert.Equal(t, int32(1), js.hits.Load(), "no reactive refresh")

	strict, err := NewStore(Config{
		Fetcher:          newFetcher(t, js.srv.URL),
		ReactiveCooldown: -1,
		SkewTolerance:    -1,
		Now:              func() time.Time { return now },
	})
	require.NoError(t, err)
	defer strict.Close()
	require.NoError(t, strict.Start(context.Background()))

	_, err = strict.Lookup(context.Background(), "kid-2")
	assert.ErrorIs(t, err, token.ErrUnknownKey)
}

func TestNewHTTPFetcher_Validation(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPFetcherConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	js := newJWKSServer(t, generateKey(t, "kid-1"))
	js.set(http.StatusServiceUnavailable)

	f := newFetcher(t, js.srv.URL)
	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), js.hits.Load())
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "fetcher is required")
}

func TestStore_StartAndLookup(t *testing.T) {
	js := newJWKSServer(t, generateKey(t, "kid-1"))
	store, err := NewStore(Config{Fetcher: newFetcher(t, js.srv.URL)})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Start(context.Background()))
	assert.Equal(t, 1, store.Current().Len())

	k, err := store.Lookup(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, "kid-1", k.ID)
}

func TestStore_RotationViaReactiveRefresh(t *testing.T) {
	js := newJWKSServer(t, generateKey(t, "kid-1"))
	store, err := NewStore(Config{Fetcher: newFetcher(t, js.srv.URL), ReactiveCooldown: -1})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Start(context.Background()))

	rotated := generateKey(t, "kid-2")
	js.set(http.StatusOK, generateKey(t, "kid-1"), rotated)

	k, err := store.Lookup(context.Background(), "kid-2")
	require.NoError(t, err)
	assert.Equal(t, "kid-2", k.ID)
	assert.Equal(t, int32(2), js.hits.Load())
}

func TestStore_UnknownKeyAfterRefresh(t *testing.T) {
	js := newJWKSServer(t, generateKey(t, "kid-1"))
	store, err := NewStore(Config{Fetcher: newFetcher(t, js.srv.URL), ReactiveCooldown: -1})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Start(context.Background()))

	_, err = store.Lookup(context.Background(), "forged")
	assert.ErrorIs(t, err, token.ErrUnknownKey)
}

func TestStore_RefreshFailureKeepsLastKnownGood(t *testing.T) {
	js := newJWKSServer(t, generateKey(t, "kid-1"))
	store, err := NewStore(Config{Fetcher: newFetcher(t, js.srv.URL), ReactiveCooldown: -1})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Start(context.Background()))

	js.set(http.StatusInternalServerError)
	err = store.Refresh(context.Background())
	assert.ErrorIs(t, err, token.ErrKeyFetchFailed)
	assert.Error(t, store.LastError())

	k, err := store.Lookup(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, "kid-1", k.ID)

	// Unknown kid with a failing provider is never accepted.
	_, err = store.Lookup(context.Background(), "kid-new")
	assert.ErrorIs(t, err, token.ErrUnknownKey)

	js.set(http.StatusOK)
	require.NoError(t, store.Refresh(context.Background()))
	assert.NoError(t, store.LastError())
}

func TestStore_ReactiveCooldown(t *testing.T) {
	js := newJWKSServer(t, generateKey(t, "kid-1"))
	store, err := NewStore(Config{Fetcher: newFetcher(t, js.srv.URL), ReactiveCooldown: time.Hour})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Start(context.Background()))

	for i := 0; i < 5; i++ {
		_, err := store.Lookup(context.Background(), "forged")
		assert.ErrorIs(t, err, token.ErrUnknownKey)
	}
	// Initial load plus a single reactive refresh.
	assert.Equal(t, int32(2), js.hits.Load())
}

func TestStore_ConcurrentRefreshesCollapse(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	k := generateKey(t, "kid-1")

	fetcher := FetcherFunc(func(ctx context.Context) (*Set, error) {
		calls.Add(1)
		<-release
		return NewSet([]Key{k}, time.Now()), nil
	})

	store, err := NewStore(Config{Fetcher: fetcher})
	require.NoError(t, err)
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Refresh(context.Background()))
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestStore_RefreshCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	k := generateKey(t, "kid-1")
	fetcher := FetcherFunc(func(ctx context.Context) (*Set, error) {
		<-release
		return NewSet([]Key{k}, time.Now()), nil
	})

	store, err := NewStore(Config{Fetcher: fetcher})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = store.Refresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared refresh still completes and populates the store.
	close(release)
	require.Eventually(t, func() bool { return store.Current().Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, store.Close())
}

type memorySnapshot struct {
	mu  sync.Mutex
	set *Set
	err error
}

func (m *memorySnapshot) Save(_ context.Context, set *Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = set
	return nil
}

func (m *memorySnapshot) Load(context.Context) (*Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set == nil {
		return nil, errors.New("no snapshot")
	}
	return m.set, m.err
}

func TestStore_SnapshotServedWhenProviderDownAtBoot(t *testing.T) {
	snap := &memorySnapshot{}
	js := newJWKSServer(t, generateKey(t, "kid-1"))

	first, err := NewStore(Config{Fetcher: newFetcher(t, js.srv.URL), Snapshot: snap})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, first.Close())

	js.set(http.StatusServiceUnavailable)
	second, err := NewStore(Config{Fetcher: newFetcher(t, js.srv.URL), Snapshot: snap})
	require.NoError(t, err)
	defer second.Close()

	err = second.Start(context.Background())
	assert.ErrorIs(t, err, token.ErrKeyFetchFailed)

	k, err := second.Lookup(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, "kid-1", k.ID)
}

func TestStore_CloseIdempotent(t *testing.T) {
	store, err := NewStore(Config{Fetcher: FetcherFunc(func(context.Context) (*Set, error) {
		return nil, errors.New("down")
	})})
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
	assert.ErrorIs(t, store.Refresh(context.Background()), ErrClosed)
}
