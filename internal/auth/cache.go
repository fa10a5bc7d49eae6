package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/ttlcache"
)

// CachedProvider remembers successful verifications for up to ttl, and never
// past the credential's own expiry. Failures are not cached.
type CachedProvider struct {
	inner IdentityProvider
	cache *ttlcache.Cache
	now   func() time.Time
}

func NewCachedProvider(inner IdentityProvider, ttl time.Duration, maxEntries int) *CachedProvider {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &CachedProvider{
		inner: inner,
		cache: ttlcache.New(ttl, maxEntries),
		now:   time.Now,
	}
}

func (c *CachedProvider) Cache() *ttlcache.Cache { return c.cache }

func (c *CachedProvider) VerifyBearer(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if v, ok := c.cache.Get(key); ok {
		id := v.(Identity)
		if id.ExpiresAt.IsZero() || c.now().Before(id.ExpiresAt) {
			return id, nil
		}
		c.cache.Delete(key)
	}

	id, err := c.inner.VerifyBearer(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	ttl := c.cache.TTL()
	if !id.ExpiresAt.IsZero() {
		if left := id.ExpiresAt.Sub(c.now()); left < ttl {
			ttl = left
		}
	}
	if ttl > 0 {
		c.cache.SetWithTTL(key, id, ttl)
	}
	return id, nil
}
