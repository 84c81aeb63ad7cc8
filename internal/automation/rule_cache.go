package automation

import (
	"context"
	"sync"
	"time"

	"github.com/EcrTech/insync-automation/internal/metrics"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

// DefaultRuleCacheTTL keeps rule snapshots fresh within seconds of an edit.
const DefaultRuleCacheTTL = 10 * time.Second

// ruleCacheEntry stores a loaded rule set with its fetch time.
type ruleCacheEntry struct {
	set       RuleSet
	fetchedAt time.Time
}

// RuleCache serves per-org active rule snapshots from memory for up to ttl.
// Invalidate drops an org's snapshot so the next read reloads it.
type RuleCache struct {
	source RuleSource
	cache  map[string]*ruleCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
}

// NewRuleCache wraps source. A ttl of zero or less disables caching.
func NewRuleCache(source RuleSource, ttl time.Duration) *RuleCache {
	return &RuleCache{
		source: source,
		cache:  make(map[string]*ruleCacheEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

// ActiveRules returns the cached snapshot or loads a fresh one. The returned
// rules are a copy the caller may reorder.
func (c *RuleCache) ActiveRules(ctx context.Context, orgID string) (RuleSet, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		cached, ok := c.cache[orgID]
		c.mu.RUnlock()
		if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
			return cached.set.clone(), nil
		}
	}

	set, err := c.source.ActiveRules(ctx, orgID)
	if err != nil {
		return RuleSet{}, err
	}
	for _, issue := range set.Issues {
		metrics.InvalidRulesTotal.Inc()
		logger.Warn("[RuleCache] stored rule cannot be decoded",
			"rule_id", issue.RuleID, "org_id", issue.OrganizationID, "error", issue.Error)
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[orgID] = &ruleCacheEntry{set: set.clone(), fetchedAt: c.now()}
		c.mu.Unlock()
	}
	return set, nil
}

// SetRuleActive writes through to the source and invalidates the rule's org.
func (c *RuleCache) SetRuleActive(ctx context.Context, ruleID string, active bool) (string, error) {
	orgID, err := c.source.SetRuleActive(ctx, ruleID, active)
	if err != nil {
		return "", err
	}
	c.Invalidate(orgID)
	return orgID, nil
}

// Invalidate drops the cached snapshot for an org.
func (c *RuleCache) Invalidate(orgID string) {
	c.mu.Lock()
	delete(c.cache, orgID)
	c.mu.Unlock()
}

func (s RuleSet) clone() RuleSet {
	out := RuleSet{}
	if s.Rules != nil {
		out.Rules = append(out.Rules, s.Rules...)
	}
	if s.Issues != nil {
		out.Issues = append(out.Issues, s.Issues...)
	}
	return out
}
