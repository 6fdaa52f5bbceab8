package warming

import (
	"context"
	"time"

	"pricingcache.app/pkg/models"
	"pricingcache.app/pkg/store"
)

// storeCacheClient writes a warmed value into the same shared store pricing
// reads from, populating both the fresh and stale copies so a warmed key
// immediately satisfies pricing's fallback path too, not just its fresh hit.
type storeCacheClient struct {
	store    store.Store
	staleTTL time.Duration
}

func newStoreCacheClient(s store.Store, staleTTL time.Duration) *storeCacheClient {
	return &storeCacheClient{store: s, staleTTL: staleTTL}
}

func (c *storeCacheClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := c.store.Set(ctx, key, value, ttl, false); err != nil {
		return err
	}
	_, err := c.store.Set(ctx, models.StaleKey(key), value, c.staleTTL, false)
	return err
}
