package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bucketStart = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func newTestRedisCapacity(t *testing.T, limits Limits) (*RedisCapacity, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewRedisCapacity(client, limits)
	c.now = func() time.Time { return bucketStart.Add(10 * time.Minute) }
	return c, mr
}

func TestRedisCapacity_ReserveUntilFull(t *testing.T) {
	c, mr := newTestRedisCapacity(t, Limits{Default: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := c.Reserve(ctx, "org-1", bucketStart.Add(5*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "slot %d", i)
	}
	ok, err := c.Reserve(ctx, "org-1", bucketStart.Add(59*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "fourth reservation in the same hour must be refused")

	ok, err = c.Reserve(ctx, "org-1", bucketStart.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "next hour has its own bucket")

	used, err := c.Usage(ctx, "org-1", bucketStart)
	require.NoError(t, err)
	assert.EqualValues(t, 3, used)

	key := bucketKey("org-1", bucketStart)
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Hour)
}

func TestRedisCapacity_OrgsAreIndependent(t *testing.T) {
	c, _ := newTestRedisCapacity(t, Limits{Default: 1, PerOrg: map[string]int{"org-big": 2}})
	ctx := context.Background()

	ok, _ := c.Reserve(ctx, "org-1", bucketStart)
	assert.True(t, ok)
	ok, _ = c.Reserve(ctx, "org-1", bucketStart)
	assert.False(t, ok)

	ok, _ = c.Reserve(ctx, "org-big", bucketStart)
	assert.True(t, ok)
	ok, _ = c.Reserve(ctx, "org-big", bucketStart)
	assert.True(t, ok)
	ok, _ = c.Reserve(ctx, "org-big", bucketStart)
	assert.False(t, ok)
}

func TestRedisCapacity_UnlimitedSkipsRedis(t *testing.T) {
	c, mr := newTestRedisCapacity(t, Limits{})
	mr.Close()

	ok, err := c.Reserve(context.Background(), "org-1", bucketStart)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCapacity_RedisDown(t *testing.T) {
	c, mr := newTestRedisCapacity(t, Limits{Default: 5})
	mr.Close()

	_, err := c.Reserve(context.Background(), "org-1", bucketStart)
	assert.Error(t, err)
}

func TestLocalCapacity_Reserve(t *testing.T) {
	c := NewLocalCapacity(Limits{Default: 2})
	now := bucketStart
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := c.Reserve(ctx, "org-1", bucketStart)
	assert.True(t, ok)
	ok, _ = c.Reserve(ctx, "org-1", bucketStart.Add(30*time.Minute))
	assert.True(t, ok)
	ok, _ = c.Reserve(ctx, "org-1", bucketStart.Add(45*time.Minute))
	assert.False(t, ok)

	now = bucketStart.Add(4 * time.Hour)
	ok, _ = c.Reserve(ctx, "org-1", now)
	assert.True(t, ok)
	assert.Len(t, c.used, 1, "closed buckets are evicted")
}

func TestRedisCapacity_ReleaseFreesSlot(t *testing.T) {
	c, _ := newTestRedisCapacity(t, Limits{Default: 1})
	ctx := context.Background()

	ok, err := c.Reserve(ctx, "org-1", bucketStart)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = c.Reserve(ctx, "org-1", bucketStart)
	require.False(t, ok)

	require.NoError(t, c.Release(ctx, "org-1", bucketStart.Add(20*time.Minute)))
	ok, err = c.Reserve(ctx, "org-1", bucketStart)
	require.NoError(t, err)
	assert.True(t, ok, "released slot is reusable")

	require.NoError(t, c.Release(ctx, "org-1", bucketStart))
	require.NoError(t, c.Release(ctx, "org-1", bucketStart))
	used, err := c.Usage(ctx, "org-1", bucketStart)
	require.NoError(t, err)
	assert.EqualValues(t, 0, used, "never below zero")
}

func TestLocalCapacity_Release(t *testing.T) {
	c := NewLocalCapacity(Limits{Default: 1})
	c.now = func() time.Time { return bucketStart }
	ctx := context.Background()

	ok, _ := c.Reserve(ctx, "org-1", bucketStart)
	require.True(t, ok)
	require.NoError(t, c.Release(ctx, "org-1", bucketStart))
	require.NoError(t, c.Release(ctx, "org-1", bucketStart))
	assert.Empty(t, c.used)

	ok, _ = c.Reserve(ctx, "org-1", bucketStart)
	assert.True(t, ok)
}
