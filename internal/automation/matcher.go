package automation

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// MatchResult is the outcome of matching one event against a rule set.
type MatchResult struct {
	// Matched is ordered by priority descending, then creation order.
	Matched []domain.AutomationRule
	// Invalid lists rules excluded because of configuration errors.
	Invalid []domain.RuleIssue
}

// Match filters rules by trigger type, then trigger config, then conditions.
// Inactive rules are ignored. A rule that fails validation is reported in
// Invalid and never aborts matching of the others.
func Match(ev *domain.TriggerEvent, rules []domain.AutomationRule, contact *domain.ContactSnapshot, ec EvalContext) MatchResult {
	var res MatchResult
	for i := range rules {
		r := &rules[i]
		if !r.IsActive || r.TriggerType != ev.Type {
			continue
		}
		if err := r.Validate(); err != nil {
			res.Invalid = append(res.Invalid, domain.RuleIssue{
				RuleID:         r.ID,
				OrganizationID: r.OrganizationID,
				Error:          err.Error(),
			})
			continue
		}
		if !TriggerMatches(r.TriggerConfig, ev, ec.Location) {
			continue
		}
		if !EvaluateAll(r.ConditionLogic, r.Conditions, contact, ec) {
			continue
		}
		res.Matched = append(res.Matched, *r)
	}
	SortByPriority(res.Matched)
	return res
}

// SortByPriority orders rules by priority descending. Ties keep creation
// order, then id.
func SortByPriority(rules []domain.AutomationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// TriggerMatches applies a rule's trigger config to an event payload. Unset
// filters mean "any". A payload of the wrong variant never matches.
func TriggerMatches(cfg domain.TriggerConfig, ev *domain.TriggerEvent, loc *time.Location) bool {
	switch c := cfg.(type) {
	case domain.StageChangeConfig:
		p, ok := ev.Payload.(domain.StageChangePayload)
		return ok && unsetOrEqual(c.FromStage, p.FromStage) && unsetOrEqual(c.ToStage, p.ToStage)

	case domain.DispositionSetConfig:
		p, ok := ev.Payload.(domain.DispositionSetPayload)
		return ok && anyOrContains(c.DispositionIDs, p.DispositionID)

	case domain.ActivityLoggedConfig:
		p, ok := ev.Payload.(domain.ActivityLoggedPayload)
		return ok && anyOrContains(c.ActivityTypes, p.ActivityType)

	case domain.FieldUpdatedConfig:
		p, ok := ev.Payload.(domain.FieldUpdatedPayload)
		if !ok || !unsetOrEqual(c.FieldName, p.FieldName) {
			return false
		}
		return c.ToValue == nil || strings.EqualFold(strings.TrimSpace(*c.ToValue), strings.TrimSpace(p.NewValue))

	case domain.InactivityConfig:
		p, ok := ev.Payload.(domain.InactivityPayload)
		return ok && p.InactiveDays >= c.InactiveDays

	case domain.TimeBasedConfig:
		if _, ok := ev.Payload.(domain.TimeBasedPayload); !ok {
			return false
		}
		return cronDue(c, ev.OccurredAt, loc)

	case domain.AssignmentChangedConfig:
		p, ok := ev.Payload.(domain.AssignmentChangedPayload)
		if !ok {
			return false
		}
		if len(c.UserIDs) == 0 && len(c.TeamIDs) == 0 {
			return true
		}
		return (p.UserID != "" && slices.Contains(c.UserIDs, p.UserID)) ||
			(p.TeamID != "" && slices.Contains(c.TeamIDs, p.TeamID))

	case domain.LeadScoreChangeConfig:
		p, ok := ev.Payload.(domain.LeadScoreChangePayload)
		if !ok {
			return false
		}
		switch c.Direction {
		case domain.ScoreIncrease:
			if p.NewScore <= p.OldScore {
				return false
			}
		case domain.ScoreDecrease:
			if p.NewScore >= p.OldScore {
				return false
			}
		}
		if c.MinScore != nil && p.NewScore < *c.MinScore {
			return false
		}
		return c.MaxScore == nil || p.NewScore <= *c.MaxScore

	case domain.TagAssignedConfig:
		p, ok := ev.Payload.(domain.TagAssignedPayload)
		return ok && anyOrContains(c.TagIDs, p.TagID)

	case domain.FormSubmittedConfig:
		p, ok := ev.Payload.(domain.FormSubmittedPayload)
		return ok && anyOrContains(c.FormIDs, p.FormID)
	}
	return false
}

// cronDue reports whether the schedule fires in the minute containing at,
// evaluated in the org's timezone. An empty expression fires on every tick.
func cronDue(c domain.TimeBasedConfig, at time.Time, loc *time.Location) bool {
	sched, err := c.Schedule()
	if err != nil {
		return false
	}
	if sched == nil {
		return true
	}
	if loc != nil {
		at = at.In(loc)
	}
	minute := at.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}

func unsetOrEqual(want, got string) bool {
	want = strings.TrimSpace(want)
	return want == "" || strings.EqualFold(want, strings.TrimSpace(got))
}

func anyOrContains(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
