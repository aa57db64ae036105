// Package issuer is a self-hostable attestation provider.
//
// It exchanges a platform integrity verdict for a short-lived signed token:
// a client fetches a single-use challenge, has the platform sign over it,
// and posts the verdict back. Verdicts are evaluated by a pluggable Checker
// (Play Integrity through the android package, or DebugChecker for
// emulators). The public keys are served as a JWKS document for verifiers.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/kacy/attestation-gate/challenge"
	"github.com/kacy/attestation-gate/token"
)

// Errors returned by Exchange.
var (
	ErrInvalidRequest   = errors.New("invalid exchange request")
	ErrInvalidChallenge = errors.New("invalid or expired challenge")
	ErrAppNotAllowed    = errors.New("app not allowed")
)

// Config holds configuration for the issuer.
type Config struct {
	// Keys signs tokens (required).
	Keys *KeyRing

	// Checker evaluates integrity verdicts (required).
	Checker Checker

	// Challenges stores outstanding challenges (required).
	Challenges challenge.Store

	// Audience is placed in every token's aud claim (required).
	Audience []string

	// Name is the iss claim (default: "attestation-issuer").
	Name string

	// AllowedApps restricts which app ids may obtain tokens. Empty allows all.
	AllowedApps []string

	// TokenTTL is the issued token lifetime (default: 1 hour).
	TokenTTL time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *slog.Logger
}

// Issuer mints attestation tokens.
type Issuer struct {
	keys       *KeyRing
	checker    Checker
	challenges challenge.Store
	audience   []string
	name       string
	allowed    map[string]struct{}
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an issuer.
func New(cfg Config) (*Issuer, error) {
	if cfg.Keys == nil {
		return nil, errors.New("key ring is required")
	}
	if cfg.Checker == nil {
		return nil, errors.New("checker is required")
	}
	if cfg.Challenges == nil {
		return nil, errors.New("challenge store is required")
	}
	if len(cfg.Audience) == 0 {
		return nil, errors.New("at least one audience is required")
	}

	name := cfg.Name
	if name == "" {
		name = "attestation-issuer"
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedApps) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedApps))
		for _, app := range cfg.AllowedApps {
			allowed[app] = struct{}{}
		}
	}

	return &Issuer{
		keys:       cfg.Keys,
		checker:    cfg.Checker,
		challenges: cfg.Challenges,
		audience:   cfg.Audience,
		name:       name,
		allowed:    allowed,
		ttl:        ttl,
		now:        now,
		logger:     logger,
	}, nil
}

// Challenge issues a challenge for an app instance.
func (i *Issuer) Challenge(ctx context.Context, instance string) (string, error) {
	if instance == "" {
		return "", fmt.Errorf("%w: instance is required", ErrInvalidRequest)
	}
	return i.challenges.Generate(ctx, instance)
}

// Exchange consumes the request's challenge, checks its verdict, and
// returns a signed token.
func (i *Issuer) Exchange(ctx context.Context, req *token.ExchangeRequest) (*token.ExchangeResponse, error) {
	switch {
	case req.AppID == "":
		return nil, fmt.Errorf("%w: app_id is required", ErrInvalidRequest)
	case req.InstanceID == "":
		return nil, fmt.Errorf("%w: instance_id is required", ErrInvalidRequest)
	case req.Challenge == "":
		return nil, fmt.Errorf("%w: challenge is required", ErrInvalidRequest)
	case req.IntegrityToken == "":
		return nil, fmt.Errorf("%w: integrity_token is required", ErrInvalidRequest)
	}

	if i.allowed != nil {
		if _, ok := i.allowed[req.AppID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrAppNotAllowed, req.AppID)
		}
	}

	ok, err := i.challenges.Validate(ctx, req.InstanceID, req.Challenge)
	if err != nil {
		return nil, fmt.Errorf("validate challenge: %w", err)
	}
	if !ok {
		return nil, ErrInvalidChallenge
	}

	if err := i.checker.Check(ctx, req); err != nil {
		return nil, err
	}

	now := i.now().Truncate(time.Second)
	exp := now.Add(i.ttl)
	claims := &token.Claims{
		Issuer:   i.name,
		Subject:  req.AppID,
		Audience: jwt.Audience(i.audience),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(exp),
		Nonce:    uuid.NewString(),
		Platform: req.Platform,
	}

	raw, err := i.keys.Sign(claims)
	if err != nil {
		return nil, err
	}

	i.logger.Info("issued attestation token", "app", req.AppID, "platform", req.Platform, "kid", i.keys.CurrentKeyID())
	return &token.ExchangeResponse{
		Token:     raw,
		IssuedAt:  now.Unix(),
		ExpiresAt: exp.Unix(),
	}, nil
}
