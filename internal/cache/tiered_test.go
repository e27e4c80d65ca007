package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-edge/internal/cache"
)

func setup(t *testing.T) (*cache.TieredCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.New(rdb, 64, zerolog.Nop())
	require.NoError(t, err)
	return c, mr
}

func TestSetGet(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "license:camera:c1", `{"is_valid":true}`, time.Minute))

	val, ok, err := c.Get(ctx, "license:camera:c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"is_valid":true}`, val)
}

func TestGet_Miss(t *testing.T) {
	c, _ := setup(t)
	_, ok, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestZeroTTL_NotCached(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("k"))
}

func TestTier2Populates_Tier1(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	// Written by another node, only present in Redis.
	mr.Set("shared", "remote-value")
	mr.SetTTL("shared", time.Minute)

	val, ok, err := c.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "remote-value", val)

	// Tier 1 now serves it even if Redis loses it.
	mr.Del("shared")
	val, ok, err = c.Get(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "remote-value", val)
}

func TestExpiry(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", 50*time.Millisecond))
	mr.FastForward(time.Second)
	time.Sleep(60 * time.Millisecond) // tier1 expiry is wall-clock

	_, ok, err := c.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_NoStaleReads(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v1", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "no stale-after-invalidate reads")

	require.NoError(t, c.Set(ctx, "k", "v2", time.Minute))
	val, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v2", val)
}

func TestDeletePattern(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "entitlement:t1:analytics:zones", "a", time.Minute))
	require.NoError(t, c.Set(ctx, "entitlement:t1:outputs:webhooks", "b", time.Minute))
	require.NoError(t, c.Set(ctx, "license:camera:c1", "keep", time.Minute))

	require.NoError(t, c.DeletePattern(ctx, "entitlement:t1:*"))

	_, ok, _ := c.Get(ctx, "entitlement:t1:analytics:zones")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "entitlement:t1:outputs:webhooks")
	assert.False(t, ok)

	// Untouched in Redis, refetched after the Tier 1 purge.
	assert.True(t, mr.Exists("license:camera:c1"))
	val, ok, _ := c.Get(ctx, "license:camera:c1")
	assert.True(t, ok)
	assert.Equal(t, "keep", val)
}

func TestTier1Survives_RedisOutage(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	mr.SetError("connection refused")

	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	// A cold key surfaces the outage after retries.
	_, _, err = c.Get(ctx, "cold")
	assert.Error(t, err)

	// Writes still land in Tier 1.
	assert.Error(t, c.Set(ctx, "k2", "v2", time.Minute))
	val, ok, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", val)
}
