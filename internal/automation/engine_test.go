package automation_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/repository/memory"
)

func TestHandleEvent_SchedulesExecution(t *testing.T) {
	rule := baseRule()
	rule.SendDelayMinutes = 45
	f := newFixture(t, rule)

	res := f.handle(t, stageEvent("ev-1", "c-1", baseTime))

	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Scheduled)
	require.Len(t, res.Executions, 1)

	exec, err := f.store.GetExecution(context.Background(), res.Executions[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionScheduled, exec.Status)
	assert.Equal(t, "jane.roe@example.com", exec.ContactEmail)
	assert.Equal(t, "Hi Jane", exec.EmailSubject)
	assert.Equal(t, "tpl-1", exec.TemplateID)
	assert.Nil(t, exec.VariantName)
	assert.Equal(t, baseTime.Add(45*time.Minute), exec.ScheduledFor)
	assert.Equal(t, "ev-1", exec.TriggerEventID)

	r, _ := f.store.Rule("r-1")
	assert.EqualValues(t, 1, r.TotalTriggered)
	assert.Equal(t, []automation.DecisionKind{automation.DecisionScheduled}, f.sink.kinds())
}

func TestHandleEvent_NoMatchCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ev := stageEvent("ev-1", "c-1", baseTime)
	ev.Payload = domain.StageChangePayload{ToStage: "Lost"}

	res := f.handle(t, ev)
	assert.Zero(t, res.Matched)
	assert.Empty(t, f.executions(t, domain.ExecutionFilter{}))
}

func TestHandleEvent_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ev := stageEvent("ev-1", "c-1", baseTime)

	first := f.handle(t, ev)
	second := f.handle(t, ev)

	assert.Equal(t, 1, first.Scheduled)
	assert.Equal(t, 0, second.Scheduled)
	assert.Equal(t, 1, second.Duplicates)
	assert.Len(t, f.executions(t, domain.ExecutionFilter{}), 1)

	r, _ := f.store.Rule("r-1")
	assert.EqualValues(t, 1, r.TotalTriggered)
}

func TestHandleEvent_ConcurrentRedeliveryCreatesOneExecution(t *testing.T) {
	f := newFixture(t)
	ev := stageEvent("ev-1", "c-1", baseTime)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.HandleEvent(context.Background(), ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.executions(t, domain.ExecutionFilter{}), 1)
}

func TestHandleEvent_MaxSendsPerContact(t *testing.T) {
	rule := baseRule()
	rule.MaxSendsPerContact = intPtr(1)
	f := newFixture(t, rule)
	ctx := context.Background()

	res := f.handle(t, stageEvent("ev-1", "c-1", baseTime))
	require.Equal(t, 1, res.Scheduled)

	claim, exec := f.claimOne(t)
	status, err := f.disp.ReportOutcome(ctx, exec.ID, claim.LeaseToken, domain.Outcome{Kind: domain.OutcomeSent})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionSent, status)

	f.clock.Advance(time.Hour)
	res = f.handle(t, stageEvent("ev-2", "c-1", f.clock.Now()))
	assert.Equal(t, 0, res.Scheduled)
	assert.Equal(t, 1, res.Skipped[domain.SkipMaxSendsReached])
	assert.Len(t, f.executions(t, domain.ExecutionFilter{}), 1)

	// Another contact is unaffected.
	res = f.handle(t, stageEvent("ev-3", "c-2", f.clock.Now()))
	assert.Equal(t, 1, res.Scheduled)

	diag, err := f.store.Diagnostics(ctx, "r-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, diag.TotalTriggered)
	assert.EqualValues(t, 1, diag.TotalSent)
	assert.EqualValues(t, 1, diag.Skips[domain.SkipMaxSendsReached])
}

func TestHandleEvent_PendingExecutionsDoNotCountTowardsMaxSends(t *testing.T) {
	rule := baseRule()
	rule.MaxSendsPerContact = intPtr(1)
	f := newFixture(t, rule)

	assert.Equal(t, 1, f.handle(t, stageEvent("ev-1", "c-1", baseTime)).Scheduled)
	assert.Equal(t, 1, f.handle(t, stageEvent("ev-2", "c-1", baseTime)).Scheduled)
}

func TestHandleEvent_Cooldown(t *testing.T) {
	rule := baseRule()
	rule.CooldownPeriodDays = intPtr(7)
	f := newFixture(t, rule)
	ctx := context.Background()

	f.handle(t, stageEvent("ev-1", "c-1", baseTime))
	claim, exec := f.claimOne(t)
	_, err := f.disp.ReportOutcome(ctx, exec.ID, claim.LeaseToken, domain.Outcome{Kind: domain.OutcomeSent})
	require.NoError(t, err)

	f.clock.Advance(3 * 24 * time.Hour)
	res := f.handle(t, stageEvent("ev-2", "c-1", f.clock.Now()))
	assert.Equal(t, 1, res.Skipped[domain.SkipCooldownActive])

	f.clock.Advance(5 * 24 * time.Hour)
	res = f.handle(t, stageEvent("ev-3", "c-1", f.clock.Now()))
	assert.Equal(t, 1, res.Scheduled)
}

func TestHandleEvent_SuppressedContactIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Suppress(ctx, &domain.Suppression{
		OrganizationID: orgID, Email: "jane.roe@example.com", Reason: domain.ReasonUnsubscribe,
	}))

	res := f.handle(t, stageEvent("ev-1", "c-1", baseTime))
	assert.Equal(t, 1, res.Skipped[domain.SkipSuppressed])
	assert.Empty(t, f.executions(t, domain.ExecutionFilter{}))
	assert.Equal(t, []automation.DecisionKind{automation.DecisionSkipped}, f.sink.kinds())

	skips := f.store.Skips()
	require.Len(t, skips, 1)
	assert.Equal(t, "ev-1", skips[0].TriggerEventID)
	assert.Equal(t, domain.SkipSuppressed, skips[0].Reason)

	r, _ := f.store.Rule("r-1")
	assert.EqualValues(t, 1, r.TotalTriggered)
}

func TestHandleEvent_DataErrorsBecomeFailedExecutions(t *testing.T) {
	cases := map[string]struct {
		setup  func(f *fixture)
		reason string
	}{
		"contact missing": {
			setup:  func(f *fixture) { f.store.DeleteContact(orgID, "c-1") },
			reason: domain.FailureContactNotFound,
		},
		"contact without email": {
			setup: func(f *fixture) {
				f.store.PutContact(domain.ContactSnapshot{ID: "c-1", OrganizationID: orgID, Email: "  "})
			},
			reason: domain.FailureContactEmailMissing,
		},
		"template deleted": {
			setup:  func(f *fixture) { f.store.DeleteTemplate(orgID, "tpl-1") },
			reason: domain.FailureTemplateNotFound,
		},
		"template inactive": {
			setup: func(f *fixture) {
				f.store.PutTemplate(domain.Template{ID: "tpl-1", OrganizationID: orgID, Subject: "x", IsActive: false})
			},
			reason: domain.FailureTemplateNotFound,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)
			ev := stageEvent("ev-1", "c-1", baseTime)

			res := f.handle(t, ev)
			assert.Equal(t, 1, res.Failed)

			execs := f.executions(t, domain.ExecutionFilter{})
			require.Len(t, execs, 1)
			assert.Equal(t, domain.ExecutionFailed, execs[0].Status)
			assert.Equal(t, tc.reason, execs[0].FailureReason)

			again := f.handle(t, ev)
			assert.Equal(t, 1, again.Duplicates, "redelivery does not add a second failed row")
			assert.Len(t, f.executions(t, domain.ExecutionFilter{}), 1)

			r, _ := f.store.Rule("r-1")
			assert.EqualValues(t, 1, r.TotalFailed)
		})
	}
}

func TestHandleEvent_MultipleRulesAreIndependent(t *testing.T) {
	high := baseRule()
	high.ID = "r-high"
	high.Priority = 90
	low := baseRule()
	low.ID = "r-low"
	low.Priority = 5
	f := newFixture(t, low, high)

	res := f.handle(t, stageEvent("ev-1", "c-1", baseTime))
	assert.Equal(t, 2, res.Matched)
	require.Equal(t, 2, res.Scheduled)

	first, err := f.store.GetExecution(context.Background(), res.Executions[0])
	require.NoError(t, err)
	assert.Equal(t, "r-high", first.RuleID, "higher priority is processed first")
}

func TestHandleEvent_InvalidRuleDoesNotBlockOthers(t *testing.T) {
	bad := baseRule()
	bad.ID = "r-bad"
	bad.Priority = 500
	f := newFixture(t, baseRule(), bad)
	f.store.PutRuleIssue(domain.RuleIssue{RuleID: "r-undecodable", OrganizationID: orgID, Error: "bad json"})

	res := f.handle(t, stageEvent("ev-1", "c-1", baseTime))
	assert.Equal(t, 1, res.Scheduled)
	require.Len(t, res.InvalidRules, 2)
	ids := []string{res.InvalidRules[0].RuleID, res.InvalidRules[1].RuleID}
	assert.ElementsMatch(t, []string{"r-bad", "r-undecodable"}, ids)
}

func TestHandleEvent_ConditionsUseContactSnapshot(t *testing.T) {
	rule := baseRule()
	rule.Conditions = []domain.Condition{
		domain.ContactFieldCondition{FieldPredicate: domain.FieldPredicate{Field: "city", Operator: domain.OpEquals, Value: "pune"}},
	}
	f := newFixture(t, rule)

	assert.Equal(t, 1, f.handle(t, stageEvent("ev-1", "c-1", baseTime)).Scheduled)
	assert.Equal(t, 0, f.handle(t, stageEvent("ev-2", "c-2", baseTime)).Matched)
}

func TestHandleEvent_ActivityHistoryCondition(t *testing.T) {
	rule := baseRule()
	rule.Conditions = []domain.Condition{
		domain.ActivityHistoryCondition{ActivityType: "call", Operator: domain.OpGreaterThan, Count: 1, DaysAgo: 7},
	}
	f := newFixture(t, rule)
	f.store.AddActivity(orgID, domain.Activity{ID: "a1", ContactID: "c-1", Type: "call", OccurredAt: baseTime.Add(-24 * time.Hour)})
	f.store.AddActivity(orgID, domain.Activity{ID: "a2", ContactID: "c-1", Type: "call", OccurredAt: baseTime.Add(-48 * time.Hour)})
	f.store.AddActivity(orgID, domain.Activity{ID: "a3", ContactID: "c-2", Type: "call", OccurredAt: baseTime.Add(-20 * 24 * time.Hour)})

	assert.Equal(t, 1, f.handle(t, stageEvent("ev-1", "c-1", baseTime)).Scheduled)
	assert.Equal(t, 0, f.handle(t, stageEvent("ev-2", "c-2", baseTime)).Matched)
}

func TestHandleEvent_DeactivatedRuleStopsMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, 1, f.handle(t, stageEvent("ev-1", "c-1", baseTime)).Matched)

	_, err := f.disp.DeactivateRule(ctx, "r-1", false)
	require.NoError(t, err)

	assert.Equal(t, 0, f.handle(t, stageEvent("ev-2", "c-1", baseTime)).Matched)
	assert.Len(t, f.executions(t, domain.ExecutionFilter{Status: domain.ExecutionScheduled}), 1,
		"already scheduled executions are kept")
}

func TestHandleEvent_CompletedABTestUsesWinner(t *testing.T) {
	winner := "B"
	rule := baseRule()
	rule.ABTestEnabled = true
	rule.ABTest = &domain.ABTest{
		ID: "ab-1", RuleID: rule.ID, Name: "subject", Status: domain.ABTestCompleted, WinnerVariant: &winner,
		Variants: []domain.Variant{
			{Name: "A", TemplateID: "tpl-a", Weight: 50},
			{Name: "B", TemplateID: "tpl-b", Weight: 50},
		},
	}
	f := newFixture(t, rule)

	res := f.handle(t, stageEvent("ev-1", "c-1", baseTime))
	require.Len(t, res.Executions, 1)
	exec, err := f.store.GetExecution(context.Background(), res.Executions[0])
	require.NoError(t, err)
	require.NotNil(t, exec.VariantName)
	assert.Equal(t, "B", *exec.VariantName)
	assert.Equal(t, "tpl-b", exec.TemplateID)
	assert.Equal(t, "Variant B", exec.EmailSubject)
}

func TestHandleEvent_BusinessHoursInOrgTimezone(t *testing.T) {
	rule := baseRule()
	rule.EnforceBusinessHours = true
	f := newFixture(t, rule)
	f.store.PutBusinessHours(domain.BusinessHours{
		OrganizationID: orgID,
		Timezone:       "Asia/Kolkata",
		Weekdays:       []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Start:          10 * 60,
		End:            18 * 60,
	})

	// 13:00 UTC Tuesday is 18:30 in Kolkata, after closing.
	res := f.handle(t, stageEvent("ev-1", "c-1", time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)))
	require.Len(t, res.Executions, 1)
	exec, _ := f.store.GetExecution(context.Background(), res.Executions[0])

	// Wednesday 10:00 IST is 04:30 UTC.
	assert.True(t, time.Date(2026, 3, 11, 4, 30, 0, 0, time.UTC).Equal(exec.ScheduledFor), "got %s", exec.ScheduledFor.UTC())
}

func TestHandleEvent_InvalidEvent(t *testing.T) {
	f := newFixture(t)
	ev := stageEvent("", "c-1", baseTime)

	_, err := f.engine.HandleEvent(context.Background(), ev)
	assert.ErrorIs(t, err, automation.ErrInvalidEvent)
}

// lostRaceLedger reports every insert as already present, as when a
// concurrent delivery of the same event wins the idempotence key.
type lostRaceLedger struct {
	*memory.Store
}

func (lostRaceLedger) CreateExecution(context.Context, *domain.Execution) (bool, error) {
	return false, nil
}

type countingCapacity struct {
	mu       sync.Mutex
	held     map[time.Time]int
	reserves int
}

func (c *countingCapacity) Reserve(_ context.Context, _ string, bucket time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held[bucket]++
	c.reserves++
	return true, nil
}

func (c *countingCapacity) Release(_ context.Context, _ string, bucket time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held[bucket]--
	return nil
}

func TestHandleEvent_DuplicateInsertReleasesCapacity(t *testing.T) {
	f := newFixture(t)
	capacity := &countingCapacity{held: map[time.Time]int{}}
	engine := automation.NewEngine(automation.Deps{
		Rules:        f.cache,
		Contacts:     f.store,
		Templates:    f.store,
		Suppression:  f.store,
		Hours:        f.store,
		Ledger:       lostRaceLedger{Store: f.store},
		Capacity:     capacity,
		DefaultHours: domain.DefaultBusinessHours(),
		Now:          f.clock.Now,
		NewRand:      func() *rand.Rand { return automation.NewSeededRand(1) },
	})

	res, err := engine.HandleEvent(context.Background(), stageEvent("ev-1", "c-1", baseTime))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)

	assert.Equal(t, 1, capacity.reserves)
	for bucket, n := range capacity.held {
		assert.Zero(t, n, "slot in %s still held", bucket)
	}
}
