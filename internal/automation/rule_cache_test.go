package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/domain"
)

type countingSource struct {
	mu    sync.Mutex
	rules map[string]domain.AutomationRule
	loads int
}

func (s *countingSource) ActiveRules(_ context.Context, orgID string) (RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	var set RuleSet
	for _, r := range s.rules {
		if r.OrganizationID == orgID && r.IsActive {
			set.Rules = append(set.Rules, r)
		}
	}
	return set, nil
}

func (s *countingSource) SetRuleActive(_ context.Context, ruleID string, active bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return "", domain.ErrRuleNotFound
	}
	r.IsActive = active
	s.rules[ruleID] = r
	return r.OrganizationID, nil
}

func TestRuleCache_ServesWithinTTL(t *testing.T) {
	src := &countingSource{rules: map[string]domain.AutomationRule{"r-1": stageRule("r-1", 10, "")}}
	cache := NewRuleCache(src, time.Minute)
	now := evalNow
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		set, err := cache.ActiveRules(context.Background(), "org-1")
		require.NoError(t, err)
		assert.Len(t, set.Rules, 1)
	}
	assert.Equal(t, 1, src.loads)

	now = now.Add(2 * time.Minute)
	_, _ = cache.ActiveRules(context.Background(), "org-1")
	assert.Equal(t, 2, src.loads, "expired snapshot reloads")
}

func TestRuleCache_DeactivationVisibleImmediately(t *testing.T) {
	src := &countingSource{rules: map[string]domain.AutomationRule{"r-1": stageRule("r-1", 10, "")}}
	cache := NewRuleCache(src, time.Hour)

	set, _ := cache.ActiveRules(context.Background(), "org-1")
	require.Len(t, set.Rules, 1)

	orgID, err := cache.SetRuleActive(context.Background(), "r-1", false)
	require.NoError(t, err)
	assert.Equal(t, "org-1", orgID)

	set, _ = cache.ActiveRules(context.Background(), "org-1")
	assert.Empty(t, set.Rules)
}

func TestRuleCache_ReturnsCopies(t *testing.T) {
	src := &countingSource{rules: map[string]domain.AutomationRule{
		"r-1": stageRule("r-1", 10, ""),
		"r-2": stageRule("r-2", 20, ""),
	}}
	cache := NewRuleCache(src, time.Hour)

	first, _ := cache.ActiveRules(context.Background(), "org-1")
	SortByPriority(first.Rules)
	first.Rules[0].Name = "mutated"

	second, _ := cache.ActiveRules(context.Background(), "org-1")
	for _, r := range second.Rules {
		assert.NotEqual(t, "mutated", r.Name)
	}
}

func TestRuleCache_UnknownRule(t *testing.T) {
	cache := NewRuleCache(&countingSource{rules: map[string]domain.AutomationRule{}}, time.Hour)
	_, err := cache.SetRuleActive(context.Background(), "missing", false)
	assert.ErrorIs(t, err, domain.ErrRuleNotFound)
}
