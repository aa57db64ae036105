package keyset

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kacy/attestation-gate/token"
)

// Snapshotter persists the last-known-good key set so a restarted instance
// can verify tokens while the provider is unreachable.
type Snapshotter interface {
	Save(ctx context.Context, set *Set) error
	Load(ctx context.Context) (*Set, error)
}

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("key store is closed")

// Config holds configuration for the key store.
type Config struct {
	// Fetcher retrieves the provider's key set (required).
	Fetcher Fetcher

	// RefreshInterval is the scheduled refresh period (default: 6 hours).
	RefreshInterval time.Duration

	// ReactiveCooldown is the minimum spacing between refreshes triggered by
	// unknown key ids (default: 30s, negative disables the cooldown).
	ReactiveCooldown time.Duration

	// RefreshTimeout bounds one shared refresh including retries (default: 30s).
	RefreshTimeout time.Duration

	// SkewTolerance widens each key's nbf/exp window (default: 60s,
	// negative disables).
	SkewTolerance time.Duration

	// Snapshot optionally persists the last-known-good set.
	Snapshot Snapshotter

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *slog.Logger
}

// Store serves the provider's verification keys.
type Store struct {
	fetcher  Fetcher
	snapshot Snapshotter
	interval time.Duration
	cooldown time.Duration
	timeout  time.Duration
	skew     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	current  atomic.Pointer[Set]
	group    singleflight.Group
	inflight atomic.Int32

	mu           sync.Mutex
	lastReactive time.Time
	lastErr      error
	closed       bool
	started      bool
	refreshes    sync.WaitGroup

	closeCh  chan struct{}
	loopDone chan struct{}
}

// NewStore creates a key store. Call Start to load keys and begin the
// scheduled refresh.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("key set fetcher is required")
	}

	interval := cfg.RefreshInterval
	if interval == 0 {
		interval = 6 * time.Hour
	}
	cooldown := cfg.ReactiveCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	timeout := cfg.RefreshTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	skew := cfg.SkewTolerance
	if skew == 0 {
		skew = 60 * time.Second
	}
	if skew < 0 {
		skew = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		fetcher:  cfg.Fetcher,
		snapshot: cfg.Snapshot,
		interval: interval,
		cooldown: cooldown,
		timeout:  timeout,
		skew:     skew,
		now:      now,
		logger:   logger,
		closeCh:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}, nil
}

// Start performs the initial load and launches the refresh timer. If the
// provider is unreachable the last snapshot, when configured, is served
// instead. The returned error reports a failed initial load; the timer runs
// regardless.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	err := s.Refresh(ctx)
	if err != nil && s.snapshot != nil && s.current.Load() == nil {
		if set, serr := s.snapshot.Load(ctx); serr == nil && set.Len() > 0 {
			s.current.CompareAndSwap(nil, set)
			s.logger.Warn("serving key set snapshot", "keys", set.Len(), "fetched_at", set.FetchedAt())
		} else if serr != nil {
			s.logger.Warn("key set snapshot unavailable", "error", serr)
		}
	}

	go s.refreshLoop()

	return err
}

// Current returns the key set in use, or nil before the first load.
func (s *Store) Current() *Set {
	return s.current.Load()
}

// LastError returns the error of the most recent failed refresh, cleared by
// the next success.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Refresh fetches the key set. Concurrent calls share one fetch. If ctx ends
// first the caller gets ctx.Err() while the shared fetch carries on.
// A failure leaves the current set untouched and is reported as
// token.KindKeyFetchFailed.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.refreshes.Add(1)
	s.mu.Unlock()

	ch := s.group.DoChan("refresh", func() (any, error) {
		return nil, s.refresh()
	})

	select {
	case res := <-ch:
		s.refreshes.Done()
		return res.Err
	case <-ctx.Done():
		go func() {
			<-ch
			s.refreshes.Done()
		}()
		return ctx.Err()
	}
}

func (s *Store) refresh() error {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	set, err := s.fetcher.Fetch(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		s.logger.Warn("key set refresh failed, keeping last-known-good keys",
			"keys", s.current.Load().Len(), "error", err)
		return token.Wrap(token.KindKeyFetchFailed, err)
	}

	s.current.Store(set)
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	s.logger.Debug("key set refreshed", "keys", set.Len())

	if s.snapshot != nil {
		if err := s.snapshot.Save(ctx, set); err != nil {
			s.logger.Warn("save key set snapshot", "error", err)
		}
	}
	return nil
}

// Lookup resolves kid to a key valid now. An unknown kid triggers one
// reactive refresh (subject to the cooldown) before failing with
// token.KindUnknownKey.
func (s *Store) Lookup(ctx context.Context, kid string) (Key, error) {
	now := s.now()
	if k, ok := s.current.Load().Get(kid); ok && k.ValidWithin(now, s.skew) {
		return k, nil
	}

	if !s.allowReactive(now) {
		return Key{}, token.Errorf(token.KindUnknownKey, "kid %q not in key set", kid)
	}

	s.logger.Info("unknown key id, refreshing key set", "kid", kid)
	if err := s.Refresh(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Key{}, token.Wrap(token.KindUnknownKey, ctxErr)
		}
	}

	if k, ok := s.current.Load().Get(kid); ok && k.ValidWithin(s.now(), s.skew) {
		return k, nil
	}
	return Key{}, token.Errorf(token.KindUnknownKey, "kid %q not in key set after refresh", kid)
}

func (s *Store) allowReactive(now time.Time) bool {
	if s.current.Load() == nil || s.inflight.Load() > 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cooldown > 0 && !s.lastReactive.IsZero() && now.Sub(s.lastReactive) < s.cooldown {
		return false
	}
	s.lastReactive = now
	return true
}

func (s *Store) refreshLoop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			_ = s.Refresh(ctx)
			cancel()
		case <-s.closeCh:
			return
		}
	}
}

// Close stops the refresh timer and waits for in-flight refreshes.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.closeCh)
	if started {
		<-s.loopDone
	}
	s.refreshes.Wait()
	return nil
}
