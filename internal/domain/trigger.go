package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// TriggerType enumerates the CRM occurrences an automation rule can react to.
type TriggerType string

const (
	TriggerStageChange       TriggerType = "stage_change"
	TriggerDispositionSet    TriggerType = "disposition_set"
	TriggerActivityLogged    TriggerType = "activity_logged"
	TriggerFieldUpdated      TriggerType = "field_updated"
	TriggerInactivity        TriggerType = "inactivity"
	TriggerTimeBased         TriggerType = "time_based"
	TriggerAssignmentChanged TriggerType = "assignment_changed"
	TriggerLeadScoreChange   TriggerType = "lead_score_change"
	TriggerTagAssigned       TriggerType = "tag_assigned"
	TriggerFormSubmitted     TriggerType = "form_submitted"
)

// AllTriggerTypes lists every supported trigger type.
var AllTriggerTypes = []TriggerType{
	TriggerStageChange, TriggerDispositionSet, TriggerActivityLogged,
	TriggerFieldUpdated, TriggerInactivity, TriggerTimeBased,
	TriggerAssignmentChanged, TriggerLeadScoreChange, TriggerTagAssigned,
	TriggerFormSubmitted,
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range AllTriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TriggerConfig is the per-trigger-type filter attached to a rule. Each
// trigger type has exactly one config variant.
type TriggerConfig interface {
	TriggerType() TriggerType
	Validate() error
	isTriggerConfig()
}

// StageChangeConfig matches stage transitions. Empty stages mean "any".
type StageChangeConfig struct {
	FromStage string `json:"from_stage,omitempty"`
	ToStage   string `json:"to_stage,omitempty"`
}

// DispositionSetConfig matches when one of the listed dispositions is set.
// An empty list matches any disposition.
type DispositionSetConfig struct {
	DispositionIDs []string `json:"disposition_ids,omitempty"`
}

// ActivityLoggedConfig matches logged activities of the listed types.
type ActivityLoggedConfig struct {
	ActivityTypes []string `json:"activity_types,omitempty"`
}

// FieldUpdatedConfig matches updates to a field, optionally to a specific value.
type FieldUpdatedConfig struct {
	FieldName string  `json:"field_name,omitempty"`
	ToValue   *string `json:"to_value,omitempty"`
}

// InactivityConfig matches contacts inactive for at least InactiveDays.
// Zero matches any inactivity event.
type InactivityConfig struct {
	InactiveDays int `json:"inactive_days"`
}

// TimeBasedConfig matches scheduler ticks whose minute is due under Cron.
type TimeBasedConfig struct {
	Cron string `json:"cron,omitempty"`
}

// AssignmentChangedConfig matches reassignment to one of the listed users
// or teams. Both lists empty means any reassignment.
type AssignmentChangedConfig struct {
	UserIDs []string `json:"user_ids,omitempty"`
	TeamIDs []string `json:"team_ids,omitempty"`
}

// ScoreDirection restricts a lead score trigger to increases or decreases.
type ScoreDirection string

const (
	ScoreIncrease ScoreDirection = "increase"
	ScoreDecrease ScoreDirection = "decrease"
)

// LeadScoreChangeConfig matches score changes landing inside [MinScore, MaxScore].
type LeadScoreChangeConfig struct {
	MinScore  *float64       `json:"min_score,omitempty"`
	MaxScore  *float64       `json:"max_score,omitempty"`
	Direction ScoreDirection `json:"direction,omitempty"`
}

// TagAssignedConfig matches assignment of one of the listed tags.
type TagAssignedConfig struct {
	TagIDs []string `json:"tag_ids,omitempty"`
}

// FormSubmittedConfig matches submissions of one of the listed forms.
type FormSubmittedConfig struct {
	FormIDs []string `json:"form_ids,omitempty"`
}

func (StageChangeConfig) TriggerType() TriggerType       { return TriggerStageChange }
func (DispositionSetConfig) TriggerType() TriggerType    { return TriggerDispositionSet }
func (ActivityLoggedConfig) TriggerType() TriggerType    { return TriggerActivityLogged }
func (FieldUpdatedConfig) TriggerType() TriggerType      { return TriggerFieldUpdated }
func (InactivityConfig) TriggerType() TriggerType        { return TriggerInactivity }
func (TimeBasedConfig) TriggerType() TriggerType         { return TriggerTimeBased }
func (AssignmentChangedConfig) TriggerType() TriggerType { return TriggerAssignmentChanged }
func (LeadScoreChangeConfig) TriggerType() TriggerType   { return TriggerLeadScoreChange }
func (TagAssignedConfig) TriggerType() TriggerType       { return TriggerTagAssigned }
func (FormSubmittedConfig) TriggerType() TriggerType     { return TriggerFormSubmitted }

func (StageChangeConfig) isTriggerConfig()       {}
func (DispositionSetConfig) isTriggerConfig()    {}
func (ActivityLoggedConfig) isTriggerConfig()    {}
func (FieldUpdatedConfig) isTriggerConfig()      {}
func (InactivityConfig) isTriggerConfig()        {}
func (TimeBasedConfig) isTriggerConfig()         {}
func (AssignmentChangedConfig) isTriggerConfig() {}
func (LeadScoreChangeConfig) isTriggerConfig()   {}
func (TagAssignedConfig) isTriggerConfig()       {}
func (FormSubmittedConfig) isTriggerConfig()     {}

func (StageChangeConfig) Validate() error    { return nil }
func (DispositionSetConfig) Validate() error { return nil }
func (ActivityLoggedConfig) Validate() error { return nil }
func (TagAssignedConfig) Validate() error    { return nil }
func (FormSubmittedConfig) Validate() error  { return nil }

func (AssignmentChangedConfig) Validate() error { return nil }

func (c FieldUpdatedConfig) Validate() error {
	if c.ToValue != nil && strings.TrimSpace(c.FieldName) == "" {
		return configErr("trigger_config", "to_value requires field_name")
	}
	return nil
}

func (c InactivityConfig) Validate() error {
	if c.InactiveDays < 0 {
		return configErr("trigger_config", "inactive_days must not be negative, got %d", c.InactiveDays)
	}
	return nil
}

func (c TimeBasedConfig) Validate() error {
	if c.Cron == "" {
		return nil
	}
	if _, err := cron.ParseStandard(c.Cron); err != nil {
		return configErr("trigger_config", "cron %q: %v", c.Cron, err)
	}
	return nil
}

// Schedule parses the cron expression. It returns nil for an empty expression.
func (c TimeBasedConfig) Schedule() (cron.Schedule, error) {
	if c.Cron == "" {
		return nil, nil
	}
	return cron.ParseStandard(c.Cron)
}

func (c LeadScoreChangeConfig) Validate() error {
	if c.MinScore != nil && c.MaxScore != nil && *c.MinScore > *c.MaxScore {
		return configErr("trigger_config", "min_score %.2f exceeds max_score %.2f", *c.MinScore, *c.MaxScore)
	}
	switch c.Direction {
	case "", ScoreIncrease, ScoreDecrease:
		return nil
	}
	return configErr("trigger_config", "unknown direction %q", c.Direction)
}

// DecodeTriggerConfig decodes the JSON trigger_config blob for the given
// trigger type into its typed variant and validates it. Unknown keys are
// ignored. A null or empty blob decodes to the zero config.
func DecodeTriggerConfig(t TriggerType, raw json.RawMessage) (TriggerConfig, error) {
	var cfg TriggerConfig
	var err error
	switch t {
	case TriggerStageChange:
		cfg, err = decodeInto[StageChangeConfig](raw)
	case TriggerDispositionSet:
		cfg, err = decodeInto[DispositionSetConfig](raw)
	case TriggerActivityLogged:
		cfg, err = decodeInto[ActivityLoggedConfig](raw)
	case TriggerFieldUpdated:
		cfg, err = decodeInto[FieldUpdatedConfig](raw)
	case TriggerInactivity:
		cfg, err = decodeInto[InactivityConfig](raw)
	case TriggerTimeBased:
		cfg, err = decodeInto[TimeBasedConfig](raw)
	case TriggerAssignmentChanged:
		cfg, err = decodeInto[AssignmentChangedConfig](raw)
	case TriggerLeadScoreChange:
		cfg, err = decodeInto[LeadScoreChangeConfig](raw)
	case TriggerTagAssigned:
		cfg, err = decodeInto[TagAssignedConfig](raw)
	case TriggerFormSubmitted:
		cfg, err = decodeInto[FormSubmittedConfig](raw)
	default:
		return nil, configErr("trigger_type", "unknown trigger type %q", t)
	}
	if err != nil {
		return nil, configErr("trigger_config", "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto[T any](raw json.RawMessage) (T, error) {
	var v T
	if isEmptyJSON(raw) {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
