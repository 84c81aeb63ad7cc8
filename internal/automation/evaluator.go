package automation

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// EvalContext is the non-contact input to condition evaluation.
type EvalContext struct {
	// Now is the evaluation time. Activity windows end here.
	Now time.Time
	// Location is the organization's timezone for time conditions.
	Location *time.Location
	// Activities are the contact's recent activities, any order.
	Activities []domain.Activity
}

func (ec EvalContext) localNow() time.Time {
	if ec.Location == nil {
		return ec.Now.UTC()
	}
	return ec.Now.In(ec.Location)
}

// EvaluateCondition tests one condition against a contact. It is total:
// missing data is treated as an empty value or a zero count and never
// produces an error. A nil contact behaves like a contact with no data.
func EvaluateCondition(c domain.Condition, contact *domain.ContactSnapshot, ec EvalContext) bool {
	if contact == nil {
		contact = &domain.ContactSnapshot{}
	}
	switch cond := c.(type) {
	case domain.ContactFieldCondition:
		v, ok := contact.Field(cond.Field)
		return compareField(cond.Operator, v, ok, cond.Value)
	case domain.CustomFieldCondition:
		v, ok := contact.CustomField(cond.Field)
		return compareField(cond.Operator, v, ok, cond.Value)
	case domain.ActivityHistoryCondition:
		return evalActivity(cond, ec)
	case domain.TimeCondition:
		return evalTime(cond, ec.localNow())
	case domain.UserTeamCondition:
		return evalUserTeam(cond, contact)
	}
	return false
}

// EvaluateAll combines conditions under logic. An empty list is vacuously true.
func EvaluateAll(logic domain.ConditionLogic, conds []domain.Condition, contact *domain.ContactSnapshot, ec EvalContext) bool {
	if len(conds) == 0 {
		return true
	}
	if logic == domain.LogicOr {
		for _, c := range conds {
			if EvaluateCondition(c, contact, ec) {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !EvaluateCondition(c, contact, ec) {
			return false
		}
	}
	return true
}

func compareField(op domain.Operator, actual string, present bool, expected string) bool {
	actual = strings.TrimSpace(actual)
	empty := !present || actual == ""

	switch op {
	case domain.OpIsEmpty:
		return empty
	case domain.OpIsNotEmpty:
		return !empty
	}
	if empty {
		return op == domain.OpNotEquals || op == domain.OpNotContains
	}

	a := strings.ToLower(actual)
	e := strings.ToLower(strings.TrimSpace(expected))
	switch op {
	case domain.OpEquals:
		return a == e
	case domain.OpNotEquals:
		return a != e
	case domain.OpContains:
		return strings.Contains(a, e)
	case domain.OpNotContains:
		return !strings.Contains(a, e)
	case domain.OpStartsWith:
		return strings.HasPrefix(a, e)
	case domain.OpEndsWith:
		return strings.HasSuffix(a, e)
	case domain.OpGreaterThan, domain.OpLessThan, domain.OpGreaterThanOrEqual, domain.OpLessThanOrEqual:
		x, err1 := strconv.ParseFloat(a, 64)
		y, err2 := strconv.ParseFloat(e, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		return compareNumbers(op, x, y)
	}
	return false
}

func compareNumbers(op domain.Operator, x, y float64) bool {
	switch op {
	case domain.OpGreaterThan:
		return x > y
	case domain.OpLessThan:
		return x < y
	case domain.OpGreaterThanOrEqual:
		return x >= y
	case domain.OpLessThanOrEqual:
		return x <= y
	case domain.OpEquals:
		return x == y
	}
	return false
}

func evalActivity(c domain.ActivityHistoryCondition, ec EvalContext) bool {
	since := ec.Now.Add(-c.Window())
	count := 0
	for _, a := range ec.Activities {
		if !strings.EqualFold(a.Type, c.ActivityType) {
			continue
		}
		if a.OccurredAt.Before(since) || a.OccurredAt.After(ec.Now) {
			continue
		}
		count++
	}
	return compareNumbers(c.Operator, float64(count), float64(c.Count))
}

func evalTime(c domain.TimeCondition, now time.Time) bool {
	switch c.TimeType {
	case domain.TimeDayOfWeek:
		return slices.Contains(c.Weekdays, now.Weekday())
	case domain.TimeMonth:
		return slices.Contains(c.Months, now.Month())
	case domain.TimeOfDay:
		clock := domain.ClockOf(now)
		if c.Start <= c.End {
			return clock >= c.Start && clock <= c.End
		}
		// Overnight window, e.g. 22:00-06:00.
		return clock >= c.Start || clock <= c.End
	}
	return false
}

func evalUserTeam(c domain.UserTeamCondition, contact *domain.ContactSnapshot) bool {
	var assigned string
	switch c.CheckType {
	case domain.CheckAssignedUser:
		assigned = contact.AssignedUserID
	case domain.CheckAssignedTeam:
		assigned = contact.AssignedTeamID
	}
	if assigned == "" {
		return false
	}
	return slices.Contains(c.IDs, assigned)
}
