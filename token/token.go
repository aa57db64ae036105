// Package token defines the attestation token format shared by the client,
// the issuer, and the verifier, together with the failure taxonomy.
//
// Tokens are compact JWS (JWT) values signed by the attestation provider.
// The header must carry a kid; the claims carry the issuer, the app id as
// subject, the audience, issuance and expiry times, and a single-use nonce
// in jti.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// MaxSize is the largest raw token accepted by Parse.
const MaxSize = 8 * 1024

// TypeAttestation is the typ header set on issued tokens.
const TypeAttestation = "JWT"

// Algorithms lists the signature algorithms a verifier accepts.
var Algorithms = []jose.SignatureAlgorithm{jose.ES256, jose.RS256}

// Token is an issued attestation token as held by a client. It is immutable
// once issued.
type Token struct {
	// Raw is the compact serialized token sent on the wire.
	Raw string

	// IssuedAt is when the provider minted the token.
	IssuedAt time.Time

	// ExpiresAt is when the token stops being valid.
	ExpiresAt time.Time
}

// Lifetime returns the total validity duration of the token.
func (t *Token) Lifetime() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// Remaining returns how long the token stays valid after now.
func (t *Token) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// FreshAt reports whether the token still has more than margin (a fraction
// of its lifetime) remaining at now.
func (t *Token) FreshAt(now time.Time, margin float64) bool {
	if t == nil || t.Raw == "" {
		return false
	}
	lifetime := t.Lifetime()
	if lifetime <= 0 {
		return false
	}
	reserve := time.Duration(float64(lifetime) * margin)
	return t.Remaining(now) > reserve
}

// Claims is the payload of an attestation token.
type Claims struct {
	Issuer   string           `json:"iss,omitempty"`
	Subject  string           `json:"sub,omitempty"`
	Audience jwt.Audience     `json:"aud,omitempty"`
	IssuedAt *jwt.NumericDate `json:"iat,omitempty"`
	Expiry   *jwt.NumericDate `json:"exp,omitempty"`
	Nonce    string           `json:"jti,omitempty"`
	Platform string           `json:"platform,omitempty"`
}

// Parsed is a structurally valid token whose signature has not yet been
// checked.
type Parsed struct {
	KeyID     string
	Algorithm string

	jws *jwt.JSONWebToken
}

// Parse checks the token structure and extracts the signing key id.
// Any structural problem is reported as KindMalformed.
func Parse(raw string) (*Parsed, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, Errorf(KindMalformed, "empty token")
	}
	if len(raw) > MaxSize {
		return nil, Errorf(KindMalformed, "token exceeds %d bytes", MaxSize)
	}

	tok, err := jwt.ParseSigned(raw, Algorithms)
	if err != nil {
		return nil, Wrap(KindMalformed, err)
	}
	if len(tok.Headers) != 1 {
		return nil, Errorf(KindMalformed, "expected exactly one signature, got %d", len(tok.Headers))
	}

	h := tok.Headers[0]
	if h.KeyID == "" {
		return nil, Errorf(KindMalformed, "kid header is required")
	}

	return &Parsed{
		KeyID:     h.KeyID,
		Algorithm: h.Algorithm,
		jws:       tok,
	}, nil
}

// Verify checks the signature with key and returns the claims.
// A signature mismatch is KindBadSignature; missing required claims are
// KindMalformed.
func (p *Parsed) Verify(key any) (*Claims, error) {
	var c Claims
	// go-jose reports key type and algorithm disagreements the same way as a
	// failed signature check; either way the token was not signed by key.
	if err := p.jws.Claims(key, &c); err != nil {
		return nil, Wrap(KindBadSignature, err)
	}

	switch {
	case c.IssuedAt == nil:
		return nil, Errorf(KindMalformed, "iat claim is required")
	case c.Expiry == nil:
		return nil, Errorf(KindMalformed, "exp claim is required")
	case c.Nonce == "":
		return nil, Errorf(KindMalformed, "jti claim is required")
	case len(c.Audience) == 0:
		return nil, Errorf(KindMalformed, "aud claim is required")
	}

	return &c, nil
}

// Sign serializes claims as a compact JWS using key, recording kid in the
// header.
func Sign(alg jose.SignatureAlgorithm, key any, kid string, claims *Claims) (string, error) {
	opts := (&jose.SignerOptions{}).WithType(TypeAttestation).WithHeader("kid", kid)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return raw, nil
}
