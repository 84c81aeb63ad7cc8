package automation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/domain"
)

func abRule(status domain.ABTestStatus, winner *string) domain.AutomationRule {
	r := stageRule("r-ab", 10, "")
	subj := "Still interested, {{ first_name }}?"
	r.ABTestEnabled = true
	r.ABTest = &domain.ABTest{
		ID:     "ab-1",
		RuleID: r.ID,
		Name:   "subject test",
		Status: status,
		Variants: []domain.Variant{
			{Name: "A", TemplateID: "tpl-a", Weight: 70},
			{Name: "B", TemplateID: "tpl-b", SubjectOverride: &subj, Weight: 30},
		},
		WinnerVariant: winner,
	}
	return r
}

func TestSelectVariant_NoTestUsesRuleTemplate(t *testing.T) {
	r := stageRule("r-1", 10, "")
	sel := SelectVariant(&r, NewSeededRand(1))
	assert.Equal(t, "tpl-1", sel.TemplateID)
	assert.Nil(t, sel.Variant)
	assert.Nil(t, sel.SubjectOverride)
}

func TestSelectVariant_DisabledTestIgnored(t *testing.T) {
	r := abRule(domain.ABTestActive, nil)
	r.ABTestEnabled = false
	sel := SelectVariant(&r, NewSeededRand(1))
	assert.Equal(t, "tpl-1", sel.TemplateID)
}

func TestSelectVariant_CompletedAlwaysReturnsWinner(t *testing.T) {
	winner := "B"
	r := abRule(domain.ABTestCompleted, &winner)
	rng := NewSeededRand(7)
	for i := 0; i < 200; i++ {
		sel := SelectVariant(&r, rng)
		require.NotNil(t, sel.Variant)
		assert.Equal(t, "B", *sel.Variant)
		assert.Equal(t, "tpl-b", sel.TemplateID)
		require.NotNil(t, sel.SubjectOverride)
	}
}

func TestSelectVariant_WeightedDistribution(t *testing.T) {
	r := abRule(domain.ABTestActive, nil)

	for _, tc := range []struct {
		draws     int
		tolerance float64
	}{
		{draws: 1000, tolerance: 5},
		{draws: 10000, tolerance: 3},
	} {
		rng := NewSeededRand(uint64(tc.draws))
		counts := map[string]int{}
		for i := 0; i < tc.draws; i++ {
			sel := SelectVariant(&r, rng)
			require.NotNil(t, sel.Variant)
			counts[*sel.Variant]++
		}
		shareA := 100 * float64(counts["A"]) / float64(tc.draws)
		assert.LessOrEqual(t, math.Abs(shareA-70), tc.tolerance, "draws=%d share A=%.2f", tc.draws, shareA)
		assert.Equal(t, tc.draws, counts["A"]+counts["B"])
	}
}

func TestSelectVariant_ZeroWeightNeverChosen(t *testing.T) {
	r := abRule(domain.ABTestActive, nil)
	r.ABTest.Variants[0].Weight = 100
	r.ABTest.Variants[1].Weight = 0
	rng := NewSeededRand(3)
	for i := 0; i < 500; i++ {
		assert.Equal(t, "A", *SelectVariant(&r, rng).Variant)
	}
}

func TestNewSeededRand_Deterministic(t *testing.T) {
	a, b := NewSeededRand(42), NewSeededRand(42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.IntN(100), b.IntN(100))
	}
}
