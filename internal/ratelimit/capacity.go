// Package ratelimit holds the optional per-org hourly send ceiling consulted
// by the scheduler. A full hour pushes new executions to the next hour.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EcrTech/insync-automation/internal/automation"
)

// Limits resolves the hourly ceiling for an org. Zero or less means
// unlimited.
type Limits struct {
	Default int
	PerOrg  map[string]int
}

// For returns the org's ceiling.
func (l Limits) For(orgID string) int {
	if n, ok := l.PerOrg[orgID]; ok {
		return n
	}
	return l.Default
}

// reserveLuaScript claims one slot in an hour bucket only if the bucket is
// below its limit. Check and increment happen atomically.
const reserveLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

// releaseLuaScript returns one slot without taking the counter below zero.
const releaseLuaScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
    return 0
end
return redis.call("DECR", KEYS[1])
`

// RedisCapacity shares hourly counters across engine replicas.
type RedisCapacity struct {
	redis  *redis.Client
	limits Limits
	script  *redis.Script
	release *redis.Script
	now     func() time.Time
}

var _ automation.SendCapacity = (*RedisCapacity)(nil)

// NewRedisCapacity creates a Redis-backed ceiling.
func NewRedisCapacity(client *redis.Client, limits Limits) *RedisCapacity {
	return &RedisCapacity{
		redis:   client,
		limits:  limits,
		script:  redis.NewScript(reserveLuaScript),
		release: redis.NewScript(releaseLuaScript),
		now:     time.Now,
	}
}

func bucketKey(orgID string, bucket time.Time) string {
	return "automation:capacity:" + orgID + ":" + strconv.FormatInt(bucket.UTC().Truncate(time.Hour).Unix(), 10)
}

// Reserve claims one slot in the hour starting at bucket.
func (c *RedisCapacity) Reserve(ctx context.Context, orgID string, bucket time.Time) (bool, error) {
	limit := c.limits.For(orgID)
	if limit <= 0 {
		return true, nil
	}

	// Keep the counter until an hour after its bucket closes.
	ttl := bucket.UTC().Truncate(time.Hour).Add(2 * time.Hour).Sub(c.now())
	if ttl < time.Hour {
		ttl = time.Hour
	}

	result, err := c.script.Run(ctx, c.redis,
		[]string{bucketKey(orgID, bucket)},
		limit,
		int64(ttl.Seconds()),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("capacity reserve failed: %w", err)
	}
	allowed, _ := result[0].(int64)
	return allowed == 1, nil
}

// Release returns a reserved slot to the bucket.
func (c *RedisCapacity) Release(ctx context.Context, orgID string, bucket time.Time) error {
	if c.limits.For(orgID) <= 0 {
		return nil
	}
	if err := c.release.Run(ctx, c.redis, []string{bucketKey(orgID, bucket)}).Err(); err != nil {
		return fmt.Errorf("capacity release failed: %w", err)
	}
	return nil
}

// Usage returns how many slots of the bucket are taken.
func (c *RedisCapacity) Usage(ctx context.Context, orgID string, bucket time.Time) (int64, error) {
	n, err := c.redis.Get(ctx, bucketKey(orgID, bucket)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// LocalCapacity keeps counters in process memory. It suits single-replica
// deployments and the memory storage mode.
type LocalCapacity struct {
	limits Limits
	mu     sync.Mutex
	used   map[string]int
	now    func() time.Time
}

var _ automation.SendCapacity = (*LocalCapacity)(nil)

// NewLocalCapacity creates an in-process ceiling.
func NewLocalCapacity(limits Limits) *LocalCapacity {
	return &LocalCapacity{limits: limits, used: make(map[string]int), now: time.Now}
}

func (c *LocalCapacity) Reserve(_ context.Context, orgID string, bucket time.Time) (bool, error) {
	limit := c.limits.For(orgID)
	if limit <= 0 {
		return true, nil
	}
	key := bucketKey(orgID, bucket)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict()
	if c.used[key] >= limit {
		return false, nil
	}
	c.used[key]++
	return true, nil
}

func (c *LocalCapacity) Release(_ context.Context, orgID string, bucket time.Time) error {
	key := bucketKey(orgID, bucket)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used[key] <= 1 {
		delete(c.used, key)
		return nil
	}
	c.used[key]--
	return nil
}

// evict drops buckets that closed more than an hour ago. Caller holds mu.
func (c *LocalCapacity) evict() {
	cutoff := c.now().Add(-2 * time.Hour).Unix()
	for k := range c.used {
		i := len(k) - 1
		for i >= 0 && k[i] != ':' {
			i--
		}
		ts, err := strconv.ParseInt(k[i+1:], 10, 64)
		if err == nil && ts < cutoff {
			delete(c.used, k)
		}
	}
}
