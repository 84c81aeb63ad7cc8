package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventPayload carries the trigger-specific details of a TriggerEvent.
type EventPayload interface {
	TriggerType() TriggerType
	isEventPayload()
}

type StageChangePayload struct {
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
}

type DispositionSetPayload struct {
	DispositionID string `json:"disposition_id"`
}

type ActivityLoggedPayload struct {
	ActivityType string `json:"activity_type"`
	ActivityID   string `json:"activity_id,omitempty"`
}

type FieldUpdatedPayload struct {
	FieldName string `json:"field_name"`
	OldValue  string `json:"old_value,omitempty"`
	NewValue  string `json:"new_value"`
}

type InactivityPayload struct {
	InactiveDays int `json:"inactive_days"`
}

// TimeBasedPayload is emitted by the external clock; the event's
// OccurredAt is the tick time.
type TimeBasedPayload struct{}

type AssignmentChangedPayload struct {
	UserID string `json:"user_id,omitempty"`
	TeamID string `json:"team_id,omitempty"`
}

type LeadScoreChangePayload struct {
	OldScore float64 `json:"old_score"`
	NewScore float64 `json:"new_score"`
}

type TagAssignedPayload struct {
	TagID string `json:"tag_id"`
}

type FormSubmittedPayload struct {
	FormID string `json:"form_id"`
}

func (StageChangePayload) TriggerType() TriggerType       { return TriggerStageChange }
func (DispositionSetPayload) TriggerType() TriggerType    { return TriggerDispositionSet }
func (ActivityLoggedPayload) TriggerType() TriggerType    { return TriggerActivityLogged }
func (FieldUpdatedPayload) TriggerType() TriggerType      { return TriggerFieldUpdated }
func (InactivityPayload) TriggerType() TriggerType        { return TriggerInactivity }
func (TimeBasedPayload) TriggerType() TriggerType         { return TriggerTimeBased }
func (AssignmentChangedPayload) TriggerType() TriggerType { return TriggerAssignmentChanged }
func (LeadScoreChangePayload) TriggerType() TriggerType   { return TriggerLeadScoreChange }
func (TagAssignedPayload) TriggerType() TriggerType       { return TriggerTagAssigned }
func (FormSubmittedPayload) TriggerType() TriggerType     { return TriggerFormSubmitted }

func (StageChangePayload) isEventPayload()       {}
func (DispositionSetPayload) isEventPayload()    {}
func (ActivityLoggedPayload) isEventPayload()    {}
func (FieldUpdatedPayload) isEventPayload()      {}
func (InactivityPayload) isEventPayload()        {}
func (TimeBasedPayload) isEventPayload()         {}
func (AssignmentChangedPayload) isEventPayload() {}
func (LeadScoreChangePayload) isEventPayload()   {}
func (TagAssignedPayload) isEventPayload()       {}
func (FormSubmittedPayload) isEventPayload()     {}

// DecodeEventPayload decodes a JSON payload for the given trigger type.
func DecodeEventPayload(t TriggerType, raw json.RawMessage) (EventPayload, error) {
	var p EventPayload
	var err error
	switch t {
	case TriggerStageChange:
		p, err = decodeInto[StageChangePayload](raw)
	case TriggerDispositionSet:
		p, err = decodeInto[DispositionSetPayload](raw)
	case TriggerActivityLogged:
		p, err = decodeInto[ActivityLoggedPayload](raw)
	case TriggerFieldUpdated:
		p, err = decodeInto[FieldUpdatedPayload](raw)
	case TriggerInactivity:
		p, err = decodeInto[InactivityPayload](raw)
	case TriggerTimeBased:
		p, err = decodeInto[TimeBasedPayload](raw)
	case TriggerAssignmentChanged:
		p, err = decodeInto[AssignmentChangedPayload](raw)
	case TriggerLeadScoreChange:
		p, err = decodeInto[LeadScoreChangePayload](raw)
	case TriggerTagAssigned:
		p, err = decodeInto[TagAssignedPayload](raw)
	case TriggerFormSubmitted:
		p, err = decodeInto[FormSubmittedPayload](raw)
	default:
		return nil, fmt.Errorf("unknown trigger type %q", t)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// TriggerEvent is a CRM occurrence that may cause automation rules to fire.
// ID is the idempotence key supplied by the producer: re-delivering the
// same event must carry the same ID.
type TriggerEvent struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	ContactID      string       `json:"contact_id"`
	Type           TriggerType  `json:"type"`
	OccurredAt     time.Time    `json:"occurred_at"`
	Payload        EventPayload `json:"payload"`
}

// Validate checks the envelope fields required by the engine.
func (e *TriggerEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("event id is required")
	case strings.TrimSpace(e.OrganizationID) == "":
		return fmt.Errorf("organization_id is required")
	case strings.TrimSpace(e.ContactID) == "":
		return fmt.Errorf("contact_id is required")
	case !e.Type.Valid():
		return fmt.Errorf("unknown trigger type %q", e.Type)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("occurred_at is required")
	case e.Payload == nil:
		return fmt.Errorf("payload is required")
	case e.Payload.TriggerType() != e.Type:
		return fmt.Errorf("payload is %s, event is %s", e.Payload.TriggerType(), e.Type)
	}
	return nil
}

// UnmarshalJSON decodes the envelope and then the payload variant named by type.
func (e *TriggerEvent) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID             string          `json:"id"`
		OrganizationID string          `json:"organization_id"`
		ContactID      string          `json:"contact_id"`
		Type           TriggerType     `json:"type"`
		OccurredAt     time.Time       `json:"occurred_at"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := DecodeEventPayload(wire.Type, wire.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", wire.Type, err)
	}
	*e = TriggerEvent{
		ID:             wire.ID,
		OrganizationID: wire.OrganizationID,
		ContactID:      wire.ContactID,
		Type:           wire.Type,
		OccurredAt:     wire.OccurredAt,
		Payload:        payload,
	}
	return nil
}
