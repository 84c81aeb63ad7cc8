package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConditionType names the variant of a Condition.
type ConditionType string

const (
	ConditionContactField    ConditionType = "contact_field"
	ConditionCustomField     ConditionType = "custom_field"
	ConditionActivityHistory ConditionType = "activity_history"
	ConditionTime            ConditionType = "time_condition"
	ConditionUserTeam        ConditionType = "user_team"
)

// ConditionLogic combines all conditions of a rule.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// Valid reports whether l is AND or OR.
func (l ConditionLogic) Valid() bool { return l == LogicAnd || l == LogicOr }

// Operator is a comparison used by field and activity conditions.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
)

var fieldOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true, OpIsEmpty: true, OpIsNotEmpty: true,
	OpGreaterThan: true, OpLessThan: true, OpGreaterThanOrEqual: true, OpLessThanOrEqual: true,
}

var countOperators = map[Operator]bool{
	OpGreaterThan: true, OpLessThan: true, OpEquals: true,
}

// IgnoresValue reports whether the operator ignores the condition value.
func (o Operator) IgnoresValue() bool { return o == OpIsEmpty || o == OpIsNotEmpty }

// TimeType selects the clock component a TimeCondition tests.
type TimeType string

const (
	TimeDayOfWeek TimeType = "day_of_week"
	TimeOfDay     TimeType = "time_of_day"
	TimeMonth     TimeType = "month"
)

// CheckType selects which assignment a UserTeamCondition tests.
type CheckType string

const (
	CheckAssignedUser CheckType = "assigned_user"
	CheckAssignedTeam CheckType = "assigned_team"
)

// DefaultActivityWindowDays is the lookback used when days_ago is unset.
const DefaultActivityWindowDays = 30

// Condition is a single predicate of a rule. Each condition type has exactly
// one variant.
type Condition interface {
	ConditionType() ConditionType
	Validate() error
	isCondition()
}

// FieldPredicate is the comparison shared by contact and custom field conditions.
type FieldPredicate struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
}

// ContactFieldCondition tests a standard contact attribute.
type ContactFieldCondition struct {
	FieldPredicate
}

// CustomFieldCondition tests an org-defined custom field.
type CustomFieldCondition struct {
	FieldPredicate
}

// ActivityHistoryCondition counts activities of a type in the last DaysAgo days.
type ActivityHistoryCondition struct {
	ActivityType string   `json:"activity_type"`
	Operator     Operator `json:"operator"`
	Count        int      `json:"value"`
	DaysAgo      int      `json:"days_ago"`
}

// TimeCondition tests the organization-local evaluation time.
type TimeCondition struct {
	TimeType TimeType       `json:"time_type"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	Months   []time.Month   `json:"months,omitempty"`
	Start    ClockTime      `json:"start_time"`
	End      ClockTime      `json:"end_time"`
}

// UserTeamCondition tests the contact's current assignment.
type UserTeamCondition struct {
	CheckType CheckType `json:"check_type"`
	IDs       []string  `json:"ids"`
}

func (ContactFieldCondition) ConditionType() ConditionType    { return ConditionContactField }
func (CustomFieldCondition) ConditionType() ConditionType     { return ConditionCustomField }
func (ActivityHistoryCondition) ConditionType() ConditionType { return ConditionActivityHistory }
func (TimeCondition) ConditionType() ConditionType            { return ConditionTime }
func (UserTeamCondition) ConditionType() ConditionType        { return ConditionUserTeam }

func (ContactFieldCondition) isCondition()    {}
func (CustomFieldCondition) isCondition()     {}
func (ActivityHistoryCondition) isCondition() {}
func (TimeCondition) isCondition()            {}
func (UserTeamCondition) isCondition()        {}

func (p FieldPredicate) Validate() error {
	if strings.TrimSpace(p.Field) == "" {
		return configErr("condition", "field is required")
	}
	if !fieldOperators[p.Operator] {
		return configErr("condition", "unknown operator %q", p.Operator)
	}
	return nil
}

func (c ActivityHistoryCondition) Validate() error {
	if strings.TrimSpace(c.ActivityType) == "" {
		return configErr("condition", "activity_type is required")
	}
	if !countOperators[c.Operator] {
		return configErr("condition", "operator %q not allowed for activity_history", c.Operator)
	}
	if c.Count < 0 {
		return configErr("condition", "activity count must not be negative")
	}
	if c.DaysAgo < 0 {
		return configErr("condition", "days_ago must not be negative")
	}
	return nil
}

// Window returns the lookback window, applying the default.
func (c ActivityHistoryCondition) Window() time.Duration {
	days := c.DaysAgo
	if days == 0 {
		days = DefaultActivityWindowDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (c TimeCondition) Validate() error {
	switch c.TimeType {
	case TimeDayOfWeek, TimeMonth:
		return nil
	case TimeOfDay:
		if !c.Start.Valid() || !c.End.Valid() {
			return configErr("condition", "time_of_day window out of range")
		}
		return nil
	}
	return configErr("condition", "unknown time_type %q", c.TimeType)
}

func (c UserTeamCondition) Validate() error {
	if c.CheckType != CheckAssignedUser && c.CheckType != CheckAssignedTeam {
		return configErr("condition", "unknown check_type %q", c.CheckType)
	}
	return nil
}

// ClockTime is a local time of day in minutes since midnight.
type ClockTime int

// ParseClock parses "HH:MM" or "HH:MM:SS" (seconds are ignored).
func ParseClock(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("clock time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock time %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q: bad minute", s)
	}
	return ClockTime(h*60 + m), nil
}

// Valid reports whether c falls within a day.
func (c ClockTime) Valid() bool { return c >= 0 && c < 24*60 }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) ClockTime { return ClockTime(t.Hour()*60 + t.Minute()) }

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// ParseWeekday accepts English names or abbreviations ("Mon", "monday") and
// numbers 0-6 with 0 as Sunday.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("weekday %d out of range", n)
		}
		return time.Weekday(n), nil
	}
	if len(s) >= 3 {
		if d, ok := weekdayNames[s[:3]]; ok {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// ParseMonth accepts English names or abbreviations and numbers 1-12.
func ParseMonth(s string) (time.Month, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > 12 {
			return 0, fmt.Errorf("month %d out of range", n)
		}
		return time.Month(n), nil
	}
	if len(s) >= 3 {
		if m, ok := monthNames[s[:3]]; ok {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown month %q", s)
}

// conditionWire is the editor's flat JSON shape. Fields not used by the
// condition's type are ignored.
type conditionWire struct {
	Type         ConditionType   `json:"type"`
	Field        string          `json:"field"`
	FieldName    string          `json:"field_name"`
	Operator     Operator        `json:"operator"`
	Value        json.RawMessage `json:"value"`
	ActivityType string          `json:"activity_type"`
	DaysAgo      int             `json:"days_ago"`
	TimeType     TimeType        `json:"time_type"`
	Values       []string        `json:"values"`
	StartTime    string          `json:"start_time"`
	EndTime      string          `json:"end_time"`
	CheckType    CheckType       `json:"check_type"`
	UserIDs      []string        `json:"user_ids"`
	TeamIDs      []string        `json:"team_ids"`
}

// DecodeCondition decodes one condition from the editor's JSON shape into
// its typed variant and validates it.
func DecodeCondition(raw json.RawMessage) (Condition, error) {
	var w conditionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, configErr("condition", "%v", err)
	}

	var c Condition
	switch w.Type {
	case ConditionContactField, ConditionCustomField:
		field := w.Field
		if field == "" {
			field = w.FieldName
		}
		value, err := scalarString(w.Value)
		if err != nil {
			return nil, configErr("condition", "value: %v", err)
		}
		p := FieldPredicate{Field: field, Operator: w.Operator, Value: value}
		if p.Operator.IgnoresValue() {
			p.Value = ""
		}
		if w.Type == ConditionContactField {
			c = ContactFieldCondition{p}
		} else {
			c = CustomFieldCondition{p}
		}

	case ConditionActivityHistory:
		value, err := scalarString(w.Value)
		if err != nil {
			return nil, configErr("condition", "value: %v", err)
		}
		count := 0
		if strings.TrimSpace(value) != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return nil, configErr("condition", "activity count %q is not a number", value)
			}
			count = int(f)
		}
		c = ActivityHistoryCondition{
			ActivityType: w.ActivityType,
			Operator:     w.Operator,
			Count:        count,
			DaysAgo:      w.DaysAgo,
		}

	case ConditionTime:
		tc := TimeCondition{TimeType: w.TimeType}
		switch w.TimeType {
		case TimeDayOfWeek:
			for _, v := range w.Values {
				d, err := ParseWeekday(v)
				if err != nil {
					return nil, configErr("condition", "%v", err)
				}
				tc.Weekdays = append(tc.Weekdays, d)
			}
		case TimeMonth:
			for _, v := range w.Values {
				m, err := ParseMonth(v)
				if err != nil {
					return nil, configErr("condition", "%v", err)
				}
				tc.Months = append(tc.Months, m)
			}
		case TimeOfDay:
			start, err := ParseClock(w.StartTime)
			if err != nil {
				return nil, configErr("condition", "start_time: %v", err)
			}
			end, err := ParseClock(w.EndTime)
			if err != nil {
				return nil, configErr("condition", "end_time: %v", err)
			}
			tc.Start, tc.End = start, end
		}
		c = tc

	case ConditionUserTeam:
		ids := append([]string(nil), w.Values...)
		switch w.CheckType {
		case CheckAssignedUser:
			ids = append(ids, w.UserIDs...)
		case CheckAssignedTeam:
			ids = append(ids, w.TeamIDs...)
		}
		c = UserTeamCondition{CheckType: w.CheckType, IDs: ids}

	default:
		return nil, configErr("condition", "unknown condition type %q", w.Type)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// DecodeConditions decodes a JSON array of conditions. The first invalid
// condition fails the whole list, naming its position.
func DecodeConditions(raw json.RawMessage) ([]Condition, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, configErr("conditions", "%v", err)
	}
	out := make([]Condition, 0, len(items))
	for i, item := range items {
		c, err := DecodeCondition(item)
		if err != nil {
			return nil, configErr("conditions", "condition %d: %v", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// scalarString renders a JSON scalar as text: strings are unquoted, numbers
// and booleans keep their literal form, null and absent become "".
func scalarString(raw json.RawMessage) (string, error) {
	if isEmptyJSON(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("expected a scalar, got %s", string(raw))
}
