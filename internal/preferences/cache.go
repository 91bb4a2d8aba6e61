package preferences

import (
	"context"
	"sync"
	"time"

	"github.com/tokenvault/server/internal/cacheutil"
)

// Cached wraps a Provider with a per-account TTL cache. Errors are not cached.
type Cached struct {
	underlying Provider
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]cacheutil.CachedValue[Pref]
}

// NewCached returns p unchanged when ttl is not positive.
func NewCached(p Provider, ttl time.Duration) Provider {
	if ttl <= 0 {
		return p
	}
	return &Cached{
		underlying: p,
		ttl:        ttl,
		cache:      make(map[string]cacheutil.CachedValue[Pref]),
	}
}

// AutoRefill implements Provider.
func (c *Cached) AutoRefill(ctx context.Context, accountID string) (Pref, error) {
	return cacheutil.ReadThrough(
		&c.mu,
		func(now time.Time) (Pref, bool) {
			if entry, ok := c.cache[accountID]; ok && now.Sub(entry.FetchedAt) < c.ttl {
				return entry.Value, true
			}
			return Pref{}, false
		},
		func(now time.Time) (Pref, error) {
			pref, err := c.underlying.AutoRefill(ctx, accountID)
			if err != nil {
				return Pref{}, err
			}
			c.cache[accountID] = cacheutil.CachedValue[Pref]{Value: pref, FetchedAt: now}
			return pref, nil
		},
	)
}

// Invalidate drops the cached entry for an account.
func (c *Cached) Invalidate(accountID string) {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()
}
