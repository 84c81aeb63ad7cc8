package automation

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// Selection is the template and optional subject chosen for one execution.
type Selection struct {
	TemplateID      string
	SubjectOverride *string
	// Variant is nil when the rule has no A/B test.
	Variant *string
}

// SelectVariant chooses what to send for a rule.
//
//   - No A/B test: the rule's own template.
//   - Completed test: always the winner.
//   - Otherwise: draw r uniformly in [0,100) and return the first variant,
//     in declared order, whose cumulative weight exceeds r.
//
// rng must not be shared across organizations; callers build one per event.
func SelectVariant(rule *domain.AutomationRule, rng *rand.Rand) Selection {
	test := rule.ABTest
	if !rule.ABTestEnabled || test == nil || len(test.Variants) == 0 {
		return Selection{TemplateID: rule.TemplateID}
	}

	if test.Status == domain.ABTestCompleted && test.WinnerVariant != nil {
		if v, ok := test.Variant(*test.WinnerVariant); ok {
			return selectionOf(v)
		}
	}

	r := rng.IntN(100)
	cumulative := 0
	for _, v := range test.Variants {
		cumulative += v.Weight
		if cumulative > r {
			return selectionOf(v)
		}
	}
	// Unreachable for validated tests whose weights sum to 100.
	return selectionOf(test.Variants[len(test.Variants)-1])
}

func selectionOf(v domain.Variant) Selection {
	name := v.Name
	return Selection{TemplateID: v.TemplateID, SubjectOverride: v.SubjectOverride, Variant: &name}
}

// NewEventRand returns a generator seeded from crypto/rand, for one event.
func NewEventRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewChaCha8(seed))
}

// NewSeededRand returns a deterministic generator, for tests and replays.
func NewSeededRand(seed uint64) *rand.Rand {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[:8], seed)
	return rand.New(rand.NewChaCha8(b))
}
