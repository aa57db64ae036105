// Package verifier validates attestation tokens presented to the backend.
//
// Verification runs a fixed sequence of checks and stops at the first
// failure, reporting a distinct token.Kind for each:
//
//  1. structure (token.KindMalformed)
//  2. signing key lookup, with one reactive key refresh (token.KindUnknownKey)
//  3. signature (token.KindBadSignature)
//  4. audience (token.KindAudienceMismatch)
//  5. freshness within the skew tolerance (token.KindExpired, token.KindNotYetValid)
//  6. single use of the nonce (token.KindReplayed)
//
// Verification failures are never retried.
package verifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kacy/attestation-gate/keyset"
	"github.com/kacy/attestation-gate/replay"
	"github.com/kacy/attestation-gate/token"
)

// KeyLookup resolves a key id to a verification key. *keyset.Store
// implements it, refreshing reactively on unknown ids.
type KeyLookup interface {
	Lookup(ctx context.Context, kid string) (keyset.Key, error)
}

// Config holds configuration for the verifier.
type Config struct {
	// Keys resolves signing keys (required).
	Keys KeyLookup

	// Replay records consumed nonces (required).
	Replay replay.Guard

	// SkewTolerance is the allowed clock difference between issuer and
	// verifier (default: 60s).
	SkewTolerance time.Duration

	// Issuer, when set, must match the iss claim.
	Issuer string

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *slog.Logger
}

// Identity is the verified result of a token. It is the only basis on which
// a request is admitted.
type Identity struct {
	// Audience is the audience the token was verified against.
	Audience string

	// IssuedAt is when the provider minted the token.
	IssuedAt time.Time

	// ExpiresAt is when the token stops being valid.
	ExpiresAt time.Time

	// Subject is the attested app id.
	Subject string

	// Platform is the attested platform, when the provider records one.
	Platform string

	// Nonce is the consumed single-use nonce.
	Nonce string

	// KeyID is the key that signed the token.
	KeyID string
}

// Verifier verifies attestation tokens. It is safe for concurrent use.
type Verifier struct {
	keys   KeyLookup
	replay replay.Guard
	skew   time.Duration
	issuer string
	now    func() time.Time
	logger *slog.Logger
}

// New creates a new verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Keys == nil {
		return nil, errors.New("key lookup is required")
	}
	if cfg.Replay == nil {
		return nil, errors.New("replay guard is required")
	}

	skew := cfg.SkewTolerance
	if skew == 0 {
		skew = 60 * time.Second
	}
	if skew < 0 {
		return nil, errors.New("skew tolerance must not be negative")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{
		keys:   cfg.Keys,
		replay: cfg.Replay,
		skew:   skew,
		issuer: cfg.Issuer,
		now:    now,
		logger: logger,
	}, nil
}

// Verify validates raw for expectedAudience and consumes its nonce.
// Failures are *token.Error values; use token.KindOf to classify them.
func (v *Verifier) Verify(ctx context.Context, raw, expectedAudience string) (*Identity, error) {
	parsed, err := token.Parse(raw)
	if err != nil {
		return nil, err
	}

	key, err := v.keys.Lookup(ctx, parsed.KeyID)
	if err != nil {
		if token.KindOf(err) == token.KindUnknown {
			err = token.Wrap(token.KindUnknownKey, err)
		}
		return nil, err
	}

	if key.Algorithm != "" && key.Algorithm != parsed.Algorithm {
		return nil, token.Errorf(token.KindBadSignature, "algorithm %s does not match key %s", parsed.Algorithm, key.ID)
	}

	claims, err := parsed.Verify(key.Public)
	if err != nil {
		return nil, err
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, token.Errorf(token.KindBadSignature, "unexpected issuer %q", claims.Issuer)
	}

	if !claims.Audience.Contains(expectedAudience) {
		return nil, token.Errorf(token.KindAudienceMismatch, "audience %v does not include %q", []string(claims.Audience), expectedAudience)
	}

	now := v.now()
	issuedAt := claims.IssuedAt.Time()
	expiresAt := claims.Expiry.Time()

	if now.After(expiresAt.Add(v.skew)) {
		return nil, token.Errorf(token.KindExpired, "expired at %s", expiresAt.UTC().Format(time.RFC3339))
	}
	if issuedAt.After(now.Add(v.skew)) {
		return nil, token.Errorf(token.KindNotYetValid, "issued at %s", issuedAt.UTC().Format(time.RFC3339))
	}

	accepted, err := v.replay.Consume(ctx, claims.Nonce, expiresAt)
	if err != nil {
		if errors.Is(err, replay.ErrInvalidNonce) || errors.Is(err, replay.ErrNonceTooLong) {
			return nil, token.Wrap(token.KindMalformed, err)
		}
		v.logger.Error("replay guard unavailable", "kid", parsed.KeyID, "error", err)
		return nil, token.Wrap(token.KindReplayStoreUnavailable, err)
	}
	if !accepted {
		return nil, token.Errorf(token.KindReplayed, "nonce already consumed")
	}

	return &Identity{
		Audience:  expectedAudience,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Subject:   claims.Subject,
		Platform:  claims.Platform,
		Nonce:     claims.Nonce,
		KeyID:     parsed.KeyID,
	}, nil
}
