package domain

import (
	"strings"
	"time"
)

// ContactSnapshot is the current state of a contact as read at evaluation
// time. Standard attributes live in Fields keyed by lower-case name.
type ContactSnapshot struct {
	ID             string            `json:"id" db:"id"`
	OrganizationID string            `json:"organization_id" db:"org_id"`
	Email          string            `json:"email" db:"email"`
	Fields         map[string]string `json:"fields"`
	CustomFields   map[string]string `json:"custom_fields"`
	AssignedUserID string            `json:"assigned_user_id,omitempty" db:"assigned_to"`
	AssignedTeamID string            `json:"assigned_team_id,omitempty" db:"assigned_team_id"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// Field returns a standard attribute. Lookup is case-insensitive and
// "email" always resolves to the contact email.
func (c *ContactSnapshot) Field(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "email" && c.Email != "" {
		return c.Email, true
	}
	v, ok := c.Fields[key]
	return v, ok
}

// CustomField returns an org-defined field value.
func (c *ContactSnapshot) CustomField(name string) (string, bool) {
	if v, ok := c.CustomFields[name]; ok {
		return v, true
	}
	key := strings.ToLower(strings.TrimSpace(name))
	for k, v := range c.CustomFields {
		if strings.ToLower(k) == key {
			return v, true
		}
	}
	return "", false
}

// NormalizedEmail returns the lower-cased, trimmed email.
func (c *ContactSnapshot) NormalizedEmail() string {
	return NormalizeEmail(c.Email)
}

// NormalizeEmail is the canonical form used for suppression lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Activity is one logged CRM activity (call, meeting, email, note...).
type Activity struct {
	ID         string    `json:"id" db:"id"`
	ContactID  string    `json:"contact_id" db:"contact_id"`
	Type       string    `json:"activity_type" db:"activity_type"`
	OccurredAt time.Time `json:"occurred_at" db:"created_at"`
}

// Template is the engine's view of an email template. Rendering the body
// is the sender's concern.
type Template struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"org_id"`
	Name           string `json:"name" db:"name"`
	Subject        string `json:"subject" db:"subject"`
	IsActive       bool   `json:"is_active" db:"is_active"`
}

// BusinessHours is an org's allowed send window, evaluated in Timezone.
// The window is [Start, End) on each of Weekdays.
type BusinessHours struct {
	OrganizationID string         `json:"organization_id" db:"org_id"`
	Timezone       string         `json:"timezone" db:"timezone"`
	Weekdays       []time.Weekday `json:"weekdays" db:"weekdays"`
	Start          ClockTime      `json:"start" db:"start_minute"`
	End            ClockTime      `json:"end" db:"end_minute"`
}

// DefaultBusinessHours is Monday to Friday, 09:00 to 17:00 UTC.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{
		Timezone: "UTC",
		Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Start:    9 * 60,
		End:      17 * 60,
	}
}

// Location resolves Timezone, falling back to UTC.
func (b BusinessHours) Location() *time.Location {
	if b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
