// Package jwks owns the identity provider's signing keys: a per-realm
// cache with a bounded lifetime and the selection rule that maps a
// token's key id onto a verification key.
//
// The cache is an injected resource, not a process-wide singleton. A
// key id that is absent from a cached set forces a single refresh (key
// rotation); concurrent misses coalesce into one upstream fetch.
package jwks

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/cloudgauntlet/authgate/auth"
)

// DefaultTTL bounds how long a fetched key set is trusted before it is
// refreshed.
const DefaultTTL = 5 * time.Minute

// Fetcher retrieves the provider's current key set.
type Fetcher interface {
	FetchSigningKeys(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// Cache holds the signing keys for one identity provider realm.
// Safe for concurrent use.
type Cache struct {
	realm   string
	fetcher Fetcher
	ttl     time.Duration
	log     *slog.Logger

	mu        sync.RWMutex
	set       *jose.JSONWebKeySet
	fetchedAt time.Time

	group singleflight.Group
}

// CacheOption configures optional cache behavior.
type CacheOption func(*Cache)

// WithTTL overrides the key set lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.log = l }
}

// NewCache builds a cache for the given realm backed by the fetcher.
func NewCache(realm string, fetcher Fetcher, opts ...CacheOption) *Cache {
	c := &Cache{
		realm:   realm,
		fetcher: fetcher,
		ttl:     DefaultTTL,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the RSA verification key for kid. An empty kid engages
// the sole-key fallback policy of SelectKey. A kid missing from a
// fresh set forces one coalesced refresh before failing with
// auth.ErrKeyNotFound.
func (c *Cache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	set, fetchedAt := c.set, c.fetchedAt
	c.mu.RUnlock()

	if set != nil && time.Since(fetchedAt) < c.ttl {
		key, err := SelectKey(set, kid)
		if err == nil {
			return key, nil
		}
		// Unknown kid in a fresh set: possible rotation, refresh once.
	}

	set, err := c.refresh(ctx, fetchedAt)
	if err != nil {
		return nil, err
	}
	return SelectKey(set, kid)
}

// fetchTimeout bounds a detached key set fetch.
const fetchTimeout = 10 * time.Second

// refresh fetches the key set upstream, coalescing concurrent callers.
// staleAt is the fetch time the caller observed; if another caller
// already replaced the set, the fetch is skipped. The fetch itself is
// detached from the triggering caller's cancellation: the flight
// serves every coalesced waiter, so the first requester hanging up
// must not fail the rest.
func (c *Cache) refresh(ctx context.Context, staleAt time.Time) (*jose.JSONWebKeySet, error) {
	v, err, _ := c.group.Do(c.realm, func() (any, error) {
		c.mu.RLock()
		set, fetchedAt := c.set, c.fetchedAt
		c.mu.RUnlock()
		if set != nil && fetchedAt.After(staleAt) {
			return set, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		fresh, err := c.fetcher.FetchSigningKeys(fctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.set = fresh
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		c.log.DebugContext(ctx, "jwks.refresh.ok",
			slog.String("realm", c.realm),
			slog.Int("keys", len(fresh.Keys)))
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jose.JSONWebKeySet), nil
}

// Invalidate drops the cached set, forcing the next Key call to fetch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.set = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// SelectKey picks the verification key for kid from the set. When kid
// is provided it must match a key exactly. When kid is empty the set
// must hold exactly one signature key; with several candidates the
// selection is ambiguous and fails closed rather than guessing, since
// an arbitrary pick could validate a token against the wrong tenant's
// key.
func SelectKey(set *jose.JSONWebKeySet, kid string) (*rsa.PublicKey, error) {
	if set == nil || len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: empty key set", auth.ErrKeyNotFound)
	}

	if kid != "" {
		for _, k := range set.Keys {
			if k.KeyID == kid && usableForSignature(k) {
				return rsaKey(k)
			}
		}
		return nil, fmt.Errorf("%w: no key with kid %q", auth.ErrKeyNotFound, kid)
	}

	var candidates []jose.JSONWebKey
	for _, k := range set.Keys {
		if usableForSignature(k) {
			candidates = append(candidates, k)
		}
	}
	switch len(candidates) {
	case 1:
		return rsaKey(candidates[0])
	case 0:
		return nil, fmt.Errorf("%w: no signature keys in set", auth.ErrKeyNotFound)
	default:
		return nil, fmt.Errorf("%w: token omits kid and key set holds %d candidates", auth.ErrKeyNotFound, len(candidates))
	}
}

func usableForSignature(k jose.JSONWebKey) bool {
	return k.Use == "" || k.Use == "sig"
}

func rsaKey(k jose.JSONWebKey) (*rsa.PublicKey, error) {
	pub, ok := k.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key %q is not an RSA public key", auth.ErrKeyNotFound, k.KeyID)
	}
	return pub, nil
}
