package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/domain"
)

func stageRule(id string, priority int, to string) domain.AutomationRule {
	return domain.AutomationRule{
		ID:             id,
		OrganizationID: "org-1",
		TriggerType:    domain.TriggerStageChange,
		TriggerConfig:  domain.StageChangeConfig{ToStage: to},
		ConditionLogic: domain.LogicAnd,
		TemplateID:     "tpl-1",
		Priority:       priority,
		IsActive:       true,
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func stageEvent(from, to string) *domain.TriggerEvent {
	return &domain.TriggerEvent{
		ID:             "ev-1",
		OrganizationID: "org-1",
		ContactID:      "c-1",
		Type:           domain.TriggerStageChange,
		OccurredAt:     evalNow,
		Payload:        domain.StageChangePayload{FromStage: from, ToStage: to},
	}
}

func ruleIDs(rules []domain.AutomationRule) []string {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestMatch_TriggerConfigAndConditions(t *testing.T) {
	contact := testContact()
	qualified := stageRule("r-qualified", 10, "Qualified")
	anyStage := stageRule("r-any", 10, "")
	lost := stageRule("r-lost", 10, "Lost")
	inactive := stageRule("r-inactive", 10, "")
	inactive.IsActive = false
	conditioned := stageRule("r-pune", 10, "")
	conditioned.Conditions = []domain.Condition{fieldCond("city", domain.OpEquals, "Pune")}
	excluded := stageRule("r-delhi", 10, "")
	excluded.Conditions = []domain.Condition{fieldCond("city", domain.OpEquals, "Delhi")}

	rules := []domain.AutomationRule{qualified, anyStage, lost, inactive, conditioned, excluded}
	res := Match(stageEvent("New", "qualified"), rules, contact, EvalContext{Now: evalNow})

	assert.ElementsMatch(t, []string{"r-qualified", "r-any", "r-pune"}, ruleIDs(res.Matched))
	assert.Empty(t, res.Invalid)
}

func TestMatch_OtherTriggerTypeNeverMatches(t *testing.T) {
	tag := domain.AutomationRule{
		ID: "r-tag", OrganizationID: "org-1", TriggerType: domain.TriggerTagAssigned,
		TriggerConfig: domain.TagAssignedConfig{}, TemplateID: "tpl-1", IsActive: true,
	}
	res := Match(stageEvent("", "Won"), []domain.AutomationRule{tag}, testContact(), EvalContext{Now: evalNow})
	assert.Empty(t, res.Matched)
}

func TestMatch_InvalidRuleFlaggedOthersContinue(t *testing.T) {
	bad := stageRule("r-bad", 500, "")
	good := stageRule("r-good", 10, "")

	res := Match(stageEvent("", "Won"), []domain.AutomationRule{bad, good}, testContact(), EvalContext{Now: evalNow})

	assert.Equal(t, []string{"r-good"}, ruleIDs(res.Matched))
	require.Len(t, res.Invalid, 1)
	assert.Equal(t, "r-bad", res.Invalid[0].RuleID)
	assert.Contains(t, res.Invalid[0].Error, "priority")
}

func TestMatch_OrdersByPriorityThenCreation(t *testing.T) {
	low := stageRule("r-low", 5, "")
	high := stageRule("r-high", 90, "")
	midOld := stageRule("r-mid-old", 50, "")
	midNew := stageRule("r-mid-new", 50, "")
	midNew.CreatedAt = midOld.CreatedAt.Add(time.Hour)

	res := Match(stageEvent("", "Won"), []domain.AutomationRule{low, midNew, high, midOld}, testContact(), EvalContext{Now: evalNow})
	assert.Equal(t, []string{"r-high", "r-mid-old", "r-mid-new", "r-low"}, ruleIDs(res.Matched))
}

func TestTriggerMatches_Variants(t *testing.T) {
	ev := func(tt domain.TriggerType, p domain.EventPayload) *domain.TriggerEvent {
		return &domain.TriggerEvent{ID: "e", OrganizationID: "o", ContactID: "c", Type: tt, OccurredAt: evalNow, Payload: p}
	}
	ten, fifty := 10.0, 50.0
	won := "Won"

	cases := []struct {
		name string
		cfg  domain.TriggerConfig
		ev   *domain.TriggerEvent
		want bool
	}{
		{"disposition in list", domain.DispositionSetConfig{DispositionIDs: []string{"d1", "d2"}},
			ev(domain.TriggerDispositionSet, domain.DispositionSetPayload{DispositionID: "d2"}), true},
		{"disposition not in list", domain.DispositionSetConfig{DispositionIDs: []string{"d1"}},
			ev(domain.TriggerDispositionSet, domain.DispositionSetPayload{DispositionID: "d9"}), false},
		{"activity any", domain.ActivityLoggedConfig{},
			ev(domain.TriggerActivityLogged, domain.ActivityLoggedPayload{ActivityType: "call"}), true},
		{"field updated to value", domain.FieldUpdatedConfig{FieldName: "status", ToValue: &won},
			ev(domain.TriggerFieldUpdated, domain.FieldUpdatedPayload{FieldName: "status", NewValue: "won"}), true},
		{"field updated other field", domain.FieldUpdatedConfig{FieldName: "status"},
			ev(domain.TriggerFieldUpdated, domain.FieldUpdatedPayload{FieldName: "city"}), false},
		{"inactivity threshold", domain.InactivityConfig{InactiveDays: 14},
			ev(domain.TriggerInactivity, domain.InactivityPayload{InactiveDays: 20}), true},
		{"inactivity below threshold", domain.InactivityConfig{InactiveDays: 14},
			ev(domain.TriggerInactivity, domain.InactivityPayload{InactiveDays: 3}), false},
		{"assignment to listed team", domain.AssignmentChangedConfig{TeamIDs: []string{"t-2"}},
			ev(domain.TriggerAssignmentChanged, domain.AssignmentChangedPayload{UserID: "u-1", TeamID: "t-2"}), true},
		{"assignment to other user", domain.AssignmentChangedConfig{UserIDs: []string{"u-9"}},
			ev(domain.TriggerAssignmentChanged, domain.AssignmentChangedPayload{UserID: "u-1"}), false},
		{"score increase in band", domain.LeadScoreChangeConfig{MinScore: &ten, MaxScore: &fifty, Direction: domain.ScoreIncrease},
			ev(domain.TriggerLeadScoreChange, domain.LeadScoreChangePayload{OldScore: 5, NewScore: 30}), true},
		{"score decrease rejected", domain.LeadScoreChangeConfig{Direction: domain.ScoreIncrease},
			ev(domain.TriggerLeadScoreChange, domain.LeadScoreChangePayload{OldScore: 40, NewScore: 30}), false},
		{"score above max", domain.LeadScoreChangeConfig{MaxScore: &fifty},
			ev(domain.TriggerLeadScoreChange, domain.LeadScoreChangePayload{OldScore: 40, NewScore: 60}), false},
		{"tag listed", domain.TagAssignedConfig{TagIDs: []string{"vip"}},
			ev(domain.TriggerTagAssigned, domain.TagAssignedPayload{TagID: "VIP"}), true},
		{"form listed", domain.FormSubmittedConfig{FormIDs: []string{"f-1"}},
			ev(domain.TriggerFormSubmitted, domain.FormSubmittedPayload{FormID: "f-2"}), false},
		{"wrong payload variant", domain.TagAssignedConfig{},
			ev(domain.TriggerTagAssigned, domain.FormSubmittedPayload{FormID: "f-2"}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TriggerMatches(tc.cfg, tc.ev, time.UTC))
		})
	}
}

func TestTriggerMatches_TimeBasedCron(t *testing.T) {
	cfg := domain.TimeBasedConfig{Cron: "30 14 * * 2"} // Tuesdays 14:30
	ev := &domain.TriggerEvent{Type: domain.TriggerTimeBased, Payload: domain.TimeBasedPayload{}}

	ev.OccurredAt = evalNow.Add(17 * time.Second)
	assert.True(t, TriggerMatches(cfg, ev, time.UTC))

	ev.OccurredAt = evalNow.Add(time.Minute)
	assert.False(t, TriggerMatches(cfg, ev, time.UTC))

	assert.True(t, TriggerMatches(domain.TimeBasedConfig{}, ev, time.UTC), "empty cron fires on every tick")
}
