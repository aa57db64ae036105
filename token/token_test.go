package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func validClaims(now time.Time) *Claims {
	return &Claims{
		Issuer:   "https://issuer.example",
		Subject:  "com.example.smartchef",
		Audience: jwt.Audience{"projects/smartchef"},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		Nonce:    "nonce-1",
	}
}

func TestSignAndParse(t *testing.T) {
	key := generateKey(t)
	raw, err := Sign(jose.ES256, key, "kid-1", validClaims(time.Now()))
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "kid-1", parsed.KeyID)
	assert.Equal(t, "ES256", parsed.Algorithm)

	claims, err := parsed.Verify(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", claims.Nonce)
	assert.True(t, claims.Audience.Contains("projects/smartchef"))
}

func TestParse_Malformed(t *testing.T) {
	key := generateKey(t)
	noKid, err := Sign(jose.ES256, key, "", validClaims(time.Now()))
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "whitespace", raw: "   "},
		{name: "garbage", raw: "not-a-token"},
		{name: "two parts", raw: "abc.def"},
		{name: "oversized", raw: strings.Repeat("a", MaxSize+1)},
		{name: "missing kid", raw: noKid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Equal(t, KindMalformed, KindOf(err))
		})
	}
}

func TestVerify_WrongKey(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)

	raw, err := Sign(jose.ES256, key, "kid-1", validClaims(time.Now()))
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)

	_, err = parsed.Verify(&other.PublicKey)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_MissingClaims(t *testing.T) {
	key := generateKey(t)
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(c *Claims)
	}{
		{name: "no iat", mutate: func(c *Claims) { c.IssuedAt = nil }},
		{name: "no exp", mutate: func(c *Claims) { c.Expiry = nil }},
		{name: "no nonce", mutate: func(c *Claims) { c.Nonce = "" }},
		{name: "no audience", mutate: func(c *Claims) { c.Audience = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaims(now)
			tt.mutate(c)
			raw, err := Sign(jose.ES256, key, "kid-1", c)
			require.NoError(t, err)

			parsed, err := Parse(raw)
			require.NoError(t, err)

			_, err = parsed.Verify(&key.PublicKey)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestToken_FreshAt(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := &Token{Raw: "x", IssuedAt: issued, ExpiresAt: issued.Add(100 * time.Minute)}

	assert.True(t, tok.FreshAt(issued.Add(50*time.Minute), 0.1))
	assert.True(t, tok.FreshAt(issued.Add(89*time.Minute), 0.1))
	assert.False(t, tok.FreshAt(issued.Add(90*time.Minute), 0.1))
	assert.False(t, tok.FreshAt(issued.Add(101*time.Minute), 0.1))

	var missing *Token
	assert.False(t, missing.FreshAt(issued, 0.1))
	assert.False(t, (&Token{IssuedAt: issued, ExpiresAt: issued}).FreshAt(issued, 0))
}

func TestKind_Codes(t *testing.T) {
	seen := make(map[string]Kind)
	for k := KindUnknown; k <= KindMissingToken; k++ {
		code := k.Code()
		_, dup := seen[code]
		assert.False(t, dup, "duplicate code %s", code)
		seen[code] = k
		assert.Equal(t, k, KindFromCode(code))
	}
	assert.Equal(t, KindUnknown, KindFromCode("no-such-code"))
}

func TestKind_Recoverable(t *testing.T) {
	assert.True(t, KindAttestationUnavailable.Recoverable())
	assert.True(t, KindKeyFetchFailed.Recoverable())
	assert.False(t, KindExpired.Recoverable())
	assert.False(t, KindReplayed.Recoverable())
}

func TestError_Matching(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := fmt.Errorf("acquire: %w", Wrap(KindAttestationUnavailable, cause))

	assert.ErrorIs(t, err, ErrAttestationUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrExpired)
	assert.Equal(t, KindAttestationUnavailable, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(cause))
	assert.Contains(t, err.Error(), "attestation_unavailable")
}
