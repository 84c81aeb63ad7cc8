package automation_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/retry"
	"github.com/EcrTech/insync-automation/internal/repository/memory"
)

const orgID = "org-1"

var baseTime = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC) // Tuesday

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu        sync.Mutex
	decisions []automation.Decision
}

func (s *recordingSink) Publish(_ context.Context, d automation.Decision) error {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) kinds() []automation.DecisionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]automation.DecisionKind, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, d.Kind)
	}
	return out
}

type fixture struct {
	store  *memory.Store
	cache  *automation.RuleCache
	engine *automation.Engine
	disp   *automation.Dispatcher
	clock  *testClock
	sink   *recordingSink
}

func baseRule() domain.AutomationRule {
	return domain.AutomationRule{
		ID:             "r-1",
		OrganizationID: orgID,
		Name:           "Qualified follow-up",
		TriggerType:    domain.TriggerStageChange,
		TriggerConfig:  domain.StageChangeConfig{ToStage: "Qualified"},
		ConditionLogic: domain.LogicAnd,
		TemplateID:     "tpl-1",
		Priority:       10,
		IsActive:       true,
		CreatedAt:      baseTime.Add(-30 * 24 * time.Hour),
	}
}

func newFixture(t *testing.T, rules ...domain.AutomationRule) *fixture {
	t.Helper()
	store := memory.New()
	store.PutContact(domain.ContactSnapshot{
		ID: "c-1", OrganizationID: orgID, Email: " Jane.Roe@Example.com",
		Fields: map[string]string{"first_name": "Jane", "city": "Pune"},
	})
	store.PutContact(domain.ContactSnapshot{
		ID: "c-2", OrganizationID: orgID, Email: "raj@example.com",
		Fields: map[string]string{"first_name": "Raj", "city": "Delhi"},
	})
	store.PutTemplate(domain.Template{ID: "tpl-1", OrganizationID: orgID, Subject: "Hi {{ first_name }}", IsActive: true})
	store.PutTemplate(domain.Template{ID: "tpl-a", OrganizationID: orgID, Subject: "Variant A", IsActive: true})
	store.PutTemplate(domain.Template{ID: "tpl-b", OrganizationID: orgID, Subject: "Variant B", IsActive: true})

	if len(rules) == 0 {
		rules = []domain.AutomationRule{baseRule()}
	}
	for _, r := range rules {
		store.PutRule(r)
	}

	clock := &testClock{t: baseTime}
	sink := &recordingSink{}
	cache := automation.NewRuleCache(store, time.Minute)
	engine := automation.NewEngine(automation.Deps{
		Rules:        cache,
		Contacts:     store,
		Templates:    store,
		Suppression:  store,
		Hours:        store,
		Ledger:       store,
		Sink:         sink,
		DefaultHours: domain.DefaultBusinessHours(),
		Now:          clock.Now,
		NewRand:      func() *rand.Rand { return automation.NewSeededRand(1) },
	})
	disp := automation.NewDispatcher(store, cache, retry.DefaultPolicy(), 2*time.Minute, sink)
	disp.SetClock(clock.Now)

	return &fixture{store: store, cache: cache, engine: engine, disp: disp, clock: clock, sink: sink}
}

func stageEvent(id, contactID string, at time.Time) *domain.TriggerEvent {
	return &domain.TriggerEvent{
		ID:             id,
		OrganizationID: orgID,
		ContactID:      contactID,
		Type:           domain.TriggerStageChange,
		OccurredAt:     at,
		Payload:        domain.StageChangePayload{FromStage: "New", ToStage: "Qualified"},
	}
}

func (f *fixture) handle(t *testing.T, ev *domain.TriggerEvent) *automation.IntakeResult {
	t.Helper()
	res, err := f.engine.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func (f *fixture) executions(t *testing.T, filter domain.ExecutionFilter) []domain.Execution {
	t.Helper()
	filter.OrganizationID = orgID
	filter.Limit = 1000
	execs, _, err := f.store.ListExecutions(context.Background(), filter)
	require.NoError(t, err)
	return execs
}

// claimOne claims due executions and requires exactly one.
func (f *fixture) claimOne(t *testing.T) (*automation.Claim, domain.Execution) {
	t.Helper()
	claim, err := f.disp.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claim.Executions, 1)
	return claim, claim.Executions[0]
}

func intPtr(n int) *int { return &n }
