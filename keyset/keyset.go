// Package keyset caches the attestation provider's public verification keys.
//
// The key set is fetched from the provider's JWKS endpoint and replaced
// wholesale on every successful refresh. A failed refresh keeps serving the
// last-known-good set. An unknown key id triggers one reactive refresh; if the
// id is still unknown afterwards verification fails.
package keyset

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Key is a public verification key published by the provider.
type Key struct {
	ID         string
	Algorithm  string
	Public     any
	ValidFrom  time.Time
	ValidUntil time.Time
}

// ValidAt reports whether the key may be used at t. Zero bounds are open.
func (k Key) ValidAt(t time.Time) bool {
	return k.ValidWithin(t, 0)
}

// ValidWithin is ValidAt with both bounds widened by skew, for providers
// whose clock differs from ours.
func (k Key) ValidWithin(t time.Time, skew time.Duration) bool {
	if !k.ValidFrom.IsZero() && t.Before(k.ValidFrom.Add(-skew)) {
		return false
	}
	if !k.ValidUntil.IsZero() && t.After(k.ValidUntil.Add(skew)) {
		return false
	}
	return true
}

// Set is an immutable set of keys indexed by key id.
type Set struct {
	keys      map[string]Key
	fetchedAt time.Time
}

// NewSet builds a Set. Later duplicates of a key id replace earlier ones.
func NewSet(keys []Key, fetchedAt time.Time) *Set {
	m := make(map[string]Key, len(keys))
	for _, k := range keys {
		m[k.ID] = k
	}
	return &Set{keys: m, fetchedAt: fetchedAt}
}

// Get returns the key with the given id.
func (s *Set) Get(kid string) (Key, bool) {
	if s == nil {
		return Key{}, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len returns the number of keys.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns a copy of the keys in the set.
func (s *Set) Keys() []Key {
	if s == nil {
		return nil
	}
	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out
}

// FetchedAt returns when the set was retrieved from the provider.
func (s *Set) FetchedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.fetchedAt
}

// Errors returned while decoding key sets.
var (
	ErrEmptyKeySet = errors.New("key set contains no usable keys")
)

// jwkBounds carries the validity window published next to each JWK.
type jwkBounds struct {
	NotBefore int64 `json:"nbf,omitempty"`
	Expiry    int64 `json:"exp,omitempty"`
}

type jwksDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

// DecodeJWKS parses a JWKS document. Encryption keys, private keys and keys
// without a kid are skipped.
func DecodeJWKS(data []byte, fetchedAt time.Time) (*Set, error) {
	var doc jwksDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make([]Key, 0, len(doc.Keys))
	for i, raw := range doc.Keys {
		k, ok, err := DecodeJWK(raw)
		if err != nil {
			return nil, fmt.Errorf("decode jwks key %d: %w", i, err)
		}
		if ok {
			keys = append(keys, k)
		}
	}

	if len(keys) == 0 {
		return nil, ErrEmptyKeySet
	}
	return NewSet(keys, fetchedAt), nil
}

// DecodeJWK parses one JWK with optional nbf/exp bounds. It reports false
// for keys that cannot verify signatures: encryption keys, private keys and
// keys without a kid.
func DecodeJWK(raw []byte) (Key, bool, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return Key{}, false, err
	}
	if jwk.KeyID == "" || jwk.Use == "enc" || !jwk.IsPublic() || !jwk.Valid() {
		return Key{}, false, nil
	}

	var bounds jwkBounds
	if err := json.Unmarshal(raw, &bounds); err != nil {
		return Key{}, false, fmt.Errorf("bounds: %w", err)
	}

	k := Key{
		ID:        jwk.KeyID,
		Algorithm: jwk.Algorithm,
		Public:    jwk.Key,
	}
	if bounds.NotBefore > 0 {
		k.ValidFrom = time.Unix(bounds.NotBefore, 0)
	}
	if bounds.Expiry > 0 {
		k.ValidUntil = time.Unix(bounds.Expiry, 0)
	}
	return k, true, nil
}

// EncodeJWKS serializes keys as a JWKS document with nbf/exp bounds.
func EncodeJWKS(keys []Key) ([]byte, error) {
	doc := jwksDocument{Keys: make([]json.RawMessage, 0, len(keys))}
	for _, k := range keys {
		raw, err := EncodeJWK(k)
		if err != nil {
			return nil, err
		}
		doc.Keys = append(doc.Keys, raw)
	}
	return json.Marshal(doc)
}

// EncodeJWK serializes a single key as a JWK with nbf/exp bounds.
func EncodeJWK(k Key) (json.RawMessage, error) {
	jwk := jose.JSONWebKey{
		Key:       k.Public,
		KeyID:     k.ID,
		Algorithm: k.Algorithm,
		Use:       "sig",
	}
	base, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode key %s: %w", k.ID, err)
	}

	var fields map[string]any
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, fmt.Errorf("encode key %s: %w", k.ID, err)
	}
	if !k.ValidFrom.IsZero() {
		fields["nbf"] = k.ValidFrom.Unix()
	}
	if !k.ValidUntil.IsZero() {
		fields["exp"] = k.ValidUntil.Unix()
	}
	return json.Marshal(fields)
}
