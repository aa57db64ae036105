package issuer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/kacy/attestation-gate/keyset"
	"github.com/kacy/attestation-gate/token"
)

// KeyRingConfig holds configuration for the signing key ring.
type KeyRingConfig struct {
	// Retain is how long a rotated-out key stays published. It must cover
	// the longest token lifetime plus verifier clock skew (default: 2 hours).
	Retain time.Duration

	// Skew backdates each key's published nbf (default: 60s).
	Skew time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

type signingKey struct {
	id        string
	priv      *ecdsa.PrivateKey
	createdAt time.Time
	retiredAt time.Time
}

// KeyRing holds the issuer's ES256 signing keys. Tokens are signed with the
// current key; rotated-out keys stay published until their tokens expire.
type KeyRing struct {
	retain time.Duration
	skew   time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	current *signingKey
	retired []*signingKey
}

// NewKeyRing creates a key ring with a freshly generated key.
func NewKeyRing(cfg KeyRingConfig) (*KeyRing, error) {
	retain := cfg.Retain
	if retain == 0 {
		retain = 2 * time.Hour
	}
	skew := cfg.Skew
	if skew == 0 {
		skew = 60 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	k := &KeyRing{retain: retain, skew: skew, now: now}
	if _, err := k.Rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate generates a new current key and retires the previous one.
// It returns the new key id.
func (k *KeyRing) Rotate() (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	kid, err := thumbprint(&priv.PublicKey)
	if err != nil {
		return "", err
	}

	now := k.now()
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.current != nil {
		k.current.retiredAt = now
		k.retired = append(k.retired, k.current)
	}
	k.current = &signingKey{id: kid, priv: priv, createdAt: now}
	k.pruneLocked(now)
	return kid, nil
}

// CurrentKeyID returns the id of the signing key.
func (k *KeyRing) CurrentKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current.id
}

// Sign signs claims with the current key.
func (k *KeyRing) Sign(claims *token.Claims) (string, error) {
	k.mu.RLock()
	cur := k.current
	k.mu.RUnlock()

	return token.Sign(jose.ES256, cur.priv, cur.id, claims)
}

// PublicKeys returns the published verification keys: the current key and
// every retired key still inside its retention window.
func (k *KeyRing) PublicKeys() []keyset.Key {
	now := k.now()

	k.mu.Lock()
	defer k.mu.Unlock()
	k.pruneLocked(now)

	keys := make([]keyset.Key, 0, len(k.retired)+1)
	for _, sk := range k.retired {
		pk := k.publicKey(sk)
		pk.ValidUntil = sk.retiredAt.Add(k.retain)
		keys = append(keys, pk)
	}
	return append(keys, k.publicKey(k.current))
}

func (k *KeyRing) publicKey(sk *signingKey) keyset.Key {
	return keyset.Key{
		ID:        sk.id,
		Algorithm: string(jose.ES256),
		Public:    &sk.priv.PublicKey,
		ValidFrom: sk.createdAt.Add(-k.skew),
	}
}

func (k *KeyRing) pruneLocked(now time.Time) {
	kept := k.retired[:0]
	for _, sk := range k.retired {
		if now.Before(sk.retiredAt.Add(k.retain)) {
			kept = append(kept, sk)
		}
	}
	k.retired = kept
}

func thumbprint(pub *ecdsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
