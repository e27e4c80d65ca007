// Package cache provides the two-level lookup cache used by the license
// and entitlement plane: a small in-process LRU in front of Redis, both
// TTL-scoped. The tiers are eventually consistent; callers tolerate one
// cache-miss worth of staleness because every decision is re-checked on a
// short TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultLocalSize  = 4096
	DefaultMaxRetries = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

type entry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// TieredCache maps string keys to string values (callers store JSON).
type TieredCache struct {
	rdb        *redis.Client
	local      *lru.Cache[string, entry]
	maxRetries int
	retryDelay time.Duration
	log        zerolog.Logger

	now func() time.Time
}

func New(rdb *redis.Client, size int, logger zerolog.Logger) (*TieredCache, error) {
	if size <= 0 {
		size = DefaultLocalSize
	}
	local, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &TieredCache{
		rdb:        rdb,
		local:      local,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		log:        logger,
		now:        time.Now,
	}, nil
}

// Get consults Tier 1 first; on miss it reads Redis, copies the remote TTL
// onto the local entry and returns. A Redis outage is surfaced, but only
// after Tier 1 had its chance.
func (c *TieredCache) Get(ctx context.Context, key string) (string, bool, error) {
	if e, ok := c.local.Get(key); ok {
		if !e.expired(c.now()) {
			return e.value, true, nil
		}
		c.local.Remove(key)
	}

	var val string
	var miss bool
	err := c.withRetry(ctx, func() error {
		v, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		val = v
		miss = false
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("tier2 get %q: %w", key, err)
	}
	if miss {
		return "", false, nil
	}

	e := entry{value: val}
	if ttl, err := c.rdb.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.local.Add(key, e)
	return val, true, nil
}

// Set writes both tiers with the same TTL. ttl <= 0 means do-not-cache.
// Tier 1 is written before Tier 2 so a remote outage never blinds local
// readers; the Tier 2 failure is surfaced for the caller to log.
func (c *TieredCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.local.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)})

	err := c.withRetry(ctx, func() error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("tier2 set %q: %w", key, err)
	}
	return nil
}

// Delete removes the key from Tier 1, then Tier 2.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	c.local.Remove(key)
	err := c.withRetry(ctx, func() error {
		return c.rdb.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("tier2 del %q: %w", key, err)
	}
	return nil
}

// DeletePattern removes matching keys from Tier 2 and purges all of
// Tier 1. Coarser than per-key invalidation, but correct.
func (c *TieredCache) DeletePattern(ctx context.Context, pattern string) error {
	c.local.Purge()

	err := c.withRetry(ctx, func() error {
		keys, err := c.rdb.Keys(ctx, pattern).Result()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return c.rdb.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("tier2 del pattern %q: %w", pattern, err)
	}
	return nil
}

// withRetry runs op up to maxRetries+1 times with linear backoff.
func (c *TieredCache) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= c.maxRetries {
			return err
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("cache tier2 retrying")
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * c.retryDelay):
		}
	}
}
