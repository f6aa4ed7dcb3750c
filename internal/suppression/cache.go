package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/outreachly/campaign-engine/pkg/logging"
)

// CachedRegistry fronts the Postgres registry with a Redis read-through
// cache. The suppression check sits on the hot path of every dispatch and
// every inbound webhook, so lookups are cached with a short TTL and writes
// update the cache eagerly.
type CachedRegistry struct {
	store  *Store
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCachedRegistry(store *Store, client *redis.Client, logger *logging.Logger) *CachedRegistry {
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedRegistry{
		store:  store,
		client: client,
		ttl:    5 * time.Minute,
		logger: logger.Component("suppression-cache"),
	}
}

func (c *CachedRegistry) WithTTL(ttl time.Duration) *CachedRegistry {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

func cacheKey(tenantID uuid.UUID, phone string) string {
	return fmt.Sprintf("suppression:%s:%s", tenantID, phone)
}

// IsSuppressed consults Redis first, then the registry. Cache failures fall
// back to the registry rather than blocking sends on Redis health.
func (c *CachedRegistry) IsSuppressed(ctx context.Context, tenantID uuid.UUID, phone string) (bool, error) {
	if c.client != nil {
		val, err := c.client.Get(ctx, cacheKey(tenantID, phone)).Result()
		switch {
		case err == nil:
			return val == "1", nil
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("cache read failed", "error", err)
		}
	}
	suppressed, err := c.store.IsSuppressed(ctx, tenantID, phone)
	if err != nil {
		return false, err
	}
	c.put(ctx, tenantID, phone, suppressed)
	return suppressed, nil
}

// Insert writes the suppression and marks the cache entry suppressed.
func (c *CachedRegistry) Insert(ctx context.Context, q Querier, tenantID uuid.UUID, phone, source string) error {
	if err := c.store.Insert(ctx, q, tenantID, phone, source); err != nil {
		return err
	}
	c.put(ctx, tenantID, phone, true)
	return nil
}

// Remove deletes the suppression and invalidates the cache entry.
func (c *CachedRegistry) Remove(ctx context.Context, q Querier, tenantID uuid.UUID, phone string) error {
	if err := c.store.Remove(ctx, q, tenantID, phone); err != nil {
		return err
	}
	if c.client != nil {
		if err := c.client.Del(ctx, cacheKey(tenantID, phone)).Err(); err != nil {
			c.logger.Warn("cache invalidation failed", "error", err)
		}
	}
	return nil
}

func (c *CachedRegistry) put(ctx context.Context, tenantID uuid.UUID, phone string, suppressed bool) {
	if c.client == nil {
		return
	}
	val := "0"
	if suppressed {
		val = "1"
	}
	if err := c.client.Set(ctx, cacheKey(tenantID, phone), val, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "error", err)
	}
}
