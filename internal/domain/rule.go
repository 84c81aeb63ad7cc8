package domain

import (
	"fmt"
	"strings"
	"time"
)

// Priority bounds for AutomationRule.Priority.
const (
	MinPriority = 0
	MaxPriority = 100
)

// AutomationRule is an authored automation: when a trigger event matches
// its trigger config and conditions, one email is scheduled per contact.
type AutomationRule struct {
	ID                   string         `json:"id" db:"id"`
	OrganizationID       string         `json:"organization_id" db:"organization_id"`
	Name                 string         `json:"name" db:"name"`
	TriggerType          TriggerType    `json:"trigger_type" db:"trigger_type"`
	TriggerConfig        TriggerConfig  `json:"trigger_config" db:"trigger_config"`
	Conditions           []Condition    `json:"conditions" db:"conditions"`
	ConditionLogic       ConditionLogic `json:"condition_logic" db:"condition_logic"`
	TemplateID           string         `json:"template_id" db:"template_id"`
	SendDelayMinutes     int            `json:"send_delay_minutes" db:"send_delay_minutes"`
	MaxSendsPerContact   *int           `json:"max_sends_per_contact,omitempty" db:"max_sends_per_contact"`
	CooldownPeriodDays   *int           `json:"cooldown_period_days,omitempty" db:"cooldown_period_days"`
	Priority             int            `json:"priority" db:"priority"`
	EnforceBusinessHours bool           `json:"enforce_business_hours" db:"enforce_business_hours"`
	IsActive             bool           `json:"is_active" db:"is_active"`
	ABTestEnabled        bool           `json:"ab_test_enabled" db:"ab_test_enabled"`
	ABTest               *ABTest        `json:"ab_test,omitempty"`

	// Counters (read-only, maintained by the ledger)
	TotalTriggered int64 `json:"total_triggered" db:"total_triggered"`
	TotalSent      int64 `json:"total_sent" db:"total_sent"`
	TotalFailed    int64 `json:"total_failed" db:"total_failed"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the structural invariants of a rule. It does not look at
// whether referenced templates exist.
func (r *AutomationRule) Validate() error {
	if err := r.validate(); err != nil {
		return WithRule(r.ID, err)
	}
	return nil
}

func (r *AutomationRule) validate() error {
	if !r.TriggerType.Valid() {
		return configErr("trigger_type", "unknown trigger type %q", r.TriggerType)
	}
	if r.TriggerConfig == nil {
		return configErr("trigger_config", "missing")
	}
	if r.TriggerConfig.TriggerType() != r.TriggerType {
		return configErr("trigger_config", "config is for %s, rule triggers on %s",
			r.TriggerConfig.TriggerType(), r.TriggerType)
	}
	if err := r.TriggerConfig.Validate(); err != nil {
		return err
	}
	if len(r.Conditions) > 0 && !r.ConditionLogic.Valid() {
		return configErr("condition_logic", "unknown logic %q", r.ConditionLogic)
	}
	for i, c := range r.Conditions {
		if c == nil {
			return configErr("conditions", "condition %d is empty", i)
		}
		if err := c.Validate(); err != nil {
			return configErr("conditions", "condition %d: %v", i, err)
		}
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return configErr("priority", "%d outside %d-%d", r.Priority, MinPriority, MaxPriority)
	}
	if r.SendDelayMinutes < 0 {
		return configErr("send_delay_minutes", "must not be negative")
	}
	if r.MaxSendsPerContact != nil && *r.MaxSendsPerContact < 0 {
		return configErr("max_sends_per_contact", "must not be negative")
	}
	if r.CooldownPeriodDays != nil && *r.CooldownPeriodDays < 0 {
		return configErr("cooldown_period_days", "must not be negative")
	}
	if r.ABTestEnabled {
		if r.ABTest == nil {
			return configErr("ab_test", "enabled without a test")
		}
		if err := r.ABTest.Validate(); err != nil {
			return err
		}
	} else if strings.TrimSpace(r.TemplateID) == "" {
		return configErr("template_id", "required")
	}
	return nil
}

// ABTestStatus enumerates the lifecycle of an A/B test.
type ABTestStatus string

const (
	ABTestActive    ABTestStatus = "active"
	ABTestStopped   ABTestStatus = "stopped"
	ABTestCompleted ABTestStatus = "completed"
)

// Variant is one alternative template/subject of an A/B test.
type Variant struct {
	Name            string  `json:"name"`
	TemplateID      string  `json:"template_id"`
	SubjectOverride *string `json:"subject_override,omitempty"`
	Weight          int     `json:"weight"`
}

// ABTest attaches weighted variants to a rule.
type ABTest struct {
	ID            string       `json:"id" db:"id"`
	RuleID        string       `json:"rule_id" db:"rule_id"`
	Name          string       `json:"name" db:"name"`
	Variants      []Variant    `json:"variants" db:"variants"`
	Status        ABTestStatus `json:"status" db:"status"`
	WinnerVariant *string      `json:"winner_variant,omitempty" db:"winner_variant"`
	StartedAt     *time.Time   `json:"started_at,omitempty" db:"started_at"`
	EndedAt       *time.Time   `json:"ended_at,omitempty" db:"ended_at"`
}

// Validate checks that there are at least two variants, that weights sum to
// exactly 100, and that a completed test names an existing winner.
func (t *ABTest) Validate() error {
	if len(t.Variants) < 2 {
		return configErr("ab_test", "needs at least 2 variants, has %d", len(t.Variants))
	}
	sum := 0
	seen := make(map[string]bool, len(t.Variants))
	for _, v := range t.Variants {
		if v.Weight < 0 || v.Weight > 100 {
			return configErr("ab_test", "variant %q weight %d outside 0-100", v.Name, v.Weight)
		}
		if strings.TrimSpace(v.TemplateID) == "" {
			return configErr("ab_test", "variant %q has no template", v.Name)
		}
		if seen[v.Name] {
			return configErr("ab_test", "duplicate variant %q", v.Name)
		}
		seen[v.Name] = true
		sum += v.Weight
	}
	if sum != 100 {
		return configErr("ab_test", "weights sum to %d, want 100", sum)
	}
	switch t.Status {
	case ABTestActive, ABTestStopped:
	case ABTestCompleted:
		if t.WinnerVariant == nil {
			return configErr("ab_test", "completed without a winner")
		}
		if _, ok := t.Variant(*t.WinnerVariant); !ok {
			return configErr("ab_test", "winner %q is not a variant", *t.WinnerVariant)
		}
	default:
		return configErr("ab_test", "unknown status %q", t.Status)
	}
	return nil
}

// Variant looks up a variant by name.
func (t *ABTest) Variant(name string) (Variant, bool) {
	for _, v := range t.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// RuleIssue reports a rule excluded from matching because of a
// configuration error.
type RuleIssue struct {
	RuleID         string `json:"rule_id"`
	OrganizationID string `json:"organization_id"`
	Error          string `json:"error"`
}

func (i RuleIssue) String() string {
	return fmt.Sprintf("rule %s: %s", i.RuleID, i.Error)
}
