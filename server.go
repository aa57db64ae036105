package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kacy/attestation-gate/gate"
	"github.com/kacy/attestation-gate/keyset"
	"github.com/kacy/attestation-gate/redis"
	"github.com/kacy/attestation-gate/replay"
	"github.com/kacy/attestation-gate/verifier"
)

// ErrClosed is returned by a closed Server or Client.
var ErrClosed = errors.New("attestation: closed")

// ServerConfig holds configuration for the backend side.
type ServerConfig struct {
	Config Config

	// Redis, when set, shares replay state and the key set snapshot across
	// instances. Otherwise state is kept in memory.
	Redis redis.Cmdable

	// Fetcher overrides the JWKS fetcher built from Config.KeySetURL.
	Fetcher keyset.Fetcher

	Logger *slog.Logger
}

// Server composes the key store, replay guard, verifier, and gate.
// Construct it once at startup, call Start, and Close on shutdown.
type Server struct {
	cfg      Config
	keys     *keyset.Store
	replay   replay.Guard
	verifier *verifier.Verifier
	gate     *gate.Gate
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewServer creates a server. It performs no network I/O; call Start.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg := sc.Config.withDefaults()
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}

	logger := sc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fetcher := sc.Fetcher
	if fetcher == nil {
		if cfg.KeySetURL == "" {
			return nil, errors.New("key set URL is required")
		}
		f, err := keyset.NewHTTPFetcher(keyset.HTTPFetcherConfig{
			URL:         cfg.KeySetURL,
			MaxRetries:  cfg.MaxRetries,
			BackoffBase: cfg.BackoffBase,
			BackoffCap:  cfg.BackoffCap,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		fetcher = f
	}

	var (
		guard    replay.Guard
		snapshot keyset.Snapshotter
	)
	if sc.Redis != nil {
		g, err := redis.NewReplayGuard(redis.ReplayGuardConfig{Client: sc.Redis, SkewTolerance: cfg.SkewTolerance})
		if err != nil {
			return nil, err
		}
		c, err := redis.NewKeySetCache(redis.KeySetCacheConfig{Client: sc.Redis})
		if err != nil {
			return nil, err
		}
		guard, snapshot = g, c
	} else {
		guard = replay.NewMemoryGuard(replay.Config{SkewTolerance: cfg.SkewTolerance})
	}

	keys, err := keyset.NewStore(keyset.Config{
		Fetcher:          fetcher,
		RefreshInterval:  cfg.KeyRefreshInterval,
		ReactiveCooldown: cfg.ReactiveRefreshCooldown,
		SkewTolerance:    cfg.SkewTolerance,
		Snapshot:         snapshot,
		Logger:           logger,
	})
	if err != nil {
		guard.Close()
		return nil, err
	}

	v, err := verifier.New(verifier.Config{
		Keys:          keys,
		Replay:        guard,
		SkewTolerance: cfg.SkewTolerance,
		Logger:        logger,
	})
	if err != nil {
		guard.Close()
		return nil, err
	}

	g, err := gate.New(gate.Config{
		Verifier:     v,
		Audience:     cfg.Audience,
		MissingToken: cfg.MissingTokenPolicy,
		Header:       cfg.TokenHeader,
		Logger:       logger,
	})
	if err != nil {
		guard.Close()
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		keys:     keys,
		replay:   guard,
		verifier: v,
		gate:     g,
		logger:   logger,
	}, nil
}

// Start loads the key set and starts the refresh timer. A failed initial
// load is returned but the server stays usable: it serves a snapshot if one
// exists and keeps retrying on schedule and on demand.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := s.keys.Start(ctx); err != nil {
		return fmt.Errorf("initial key set load: %w", err)
	}
	s.logger.Info("attestation gate started", "keys", s.keys.Current().Len(), "audience", s.cfg.Audience)
	return nil
}

// Verify verifies a raw token against the configured audience.
func (s *Server) Verify(ctx context.Context, raw string) (*verifier.Identity, error) {
	return s.verifier.Verify(ctx, raw, s.cfg.Audience)
}

// Gate returns the request admission middleware.
func (s *Server) Gate() *gate.Gate {
	return s.gate
}

// Keys returns the key store for advanced use cases.
func (s *Server) Keys() *keyset.Store {
	return s.keys
}

// Close stops timers, waits for in-flight key refreshes, and releases the
// replay guard. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return errors.Join(s.keys.Close(), s.replay.Close())
}
