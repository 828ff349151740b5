package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

var ErrUnknownKey = errors.New("unknown signing key")

// minForcedRefresh bounds how often an unknown kid may trigger a JWKS fetch.
const minForcedRefresh = 10 * time.Second

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("exponent of %d bytes", len(e))
	}
	var exp int
	for _, b := range e {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

// KeySet caches the provider's RSA signing keys by kid.
type KeySet struct {
	client   *http.Client
	url      string
	interval time.Duration
	limiter  *rate.Limiter
	log      *log.Logger

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewKeySet returns an empty key set for the JWKS document at url. interval
// is the period used by Run.
func NewKeySet(client *http.Client, url string, interval time.Duration, logger *log.Logger) *KeySet {
	return &KeySet{
		client:   client,
		url:      url,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(minForcedRefresh), 1),
		log:      logger,
		keys:     map[string]*rsa.PublicKey{},
	}
}

// Refresh replaces the key set with the provider's current keys. Keys that
// fail to parse or are not meant for signatures are skipped.
func (k *KeySet) Refresh(ctx context.Context) error {
	var doc jwks
	if err := getJSON(ctx, k.client, k.url, "", &doc); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, j := range doc.Keys {
		if j.Kty != "RSA" || (j.Use != "" && j.Use != "sig") {
			continue
		}
		pub, err := j.rsaPublicKey()
		if err != nil {
			k.log.Warn("skipping malformed jwk", "kid", j.Kid, "err", err)
			continue
		}
		keys[j.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("fetch jwks: no usable RSA signing keys")
	}

	k.mu.Lock()
	k.keys = keys
	k.fetched = time.Now()
	k.mu.Unlock()
	k.log.Debug("jwks refreshed", "keys", len(keys))
	return nil
}

// Key returns the key for kid. An unknown kid triggers a rate limited
// refresh, since providers rotate keys ahead of the periodic refresh. An
// empty kid matches when the set holds a single key.
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if pub, ok := k.lookup(kid); ok {
		return pub, nil
	}
	if !k.limiter.Allow() {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
	}
	if err := k.Refresh(ctx); err != nil {
		return nil, err
	}
	if pub, ok := k.lookup(kid); ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
}

func (k *KeySet) lookup(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == "" && len(k.keys) == 1 {
		for _, pub := range k.keys {
			return pub, true
		}
	}
	pub, ok := k.keys[kid]
	return pub, ok
}

func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Fetched returns when the keys were last refreshed, zero if never.
func (k *KeySet) Fetched() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.fetched
}

// Run refreshes the keys every interval until ctx is done.
func (k *KeySet) Run(ctx context.Context) {
	if k.interval <= 0 {
		return
	}
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Refresh(ctx); err != nil {
				k.log.Error("periodic jwks refresh failed", "err", err)
			}
		}
	}
}
