package automation

import (
	"context"
	"time"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// RuleSet is a snapshot of an org's active rules. Rules whose stored
// configuration could not be decoded are reported in Issues instead.
type RuleSet struct {
	Rules  []domain.AutomationRule
	Issues []domain.RuleIssue
}

// RuleSource reads active rules and flips the active flag.
type RuleSource interface {
	ActiveRules(ctx context.Context, orgID string) (RuleSet, error)

	// SetRuleActive updates is_active and returns the rule's org.
	// Returns domain.ErrRuleNotFound if the rule does not exist.
	SetRuleActive(ctx context.Context, ruleID string, active bool) (orgID string, err error)
}

// ContactStore reads contacts and their activity history.
type ContactStore interface {
	// GetContact returns domain.ErrContactNotFound for unknown or deleted contacts.
	GetContact(ctx context.Context, orgID, contactID string) (*domain.ContactSnapshot, error)

	// ListActivities returns the contact's activities at or after since.
	ListActivities(ctx context.Context, orgID, contactID string, since time.Time) ([]domain.Activity, error)
}

// SuppressionChecker answers whether an address is suppressed for an org.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, orgID, email string) (bool, error)
}

// TemplateStore resolves templates. Returns domain.ErrTemplateNotFound for
// unknown, deleted or inactive templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, orgID, templateID string) (*domain.Template, error)
}

// BusinessHoursSource returns an org's configured send window, or nil when
// the org has none.
type BusinessHoursSource interface {
	BusinessHours(ctx context.Context, orgID string) (*domain.BusinessHours, error)
}

// SendCapacity is an optional per-org hourly send ceiling. Reserve claims
// one slot in the hour bucket starting at bucket and reports whether one
// was available.
type SendCapacity interface {
	Reserve(ctx context.Context, orgID string, bucket time.Time) (bool, error)
	// Release returns a slot taken by Reserve that ended up unused.
	Release(ctx context.Context, orgID string, bucket time.Time) error
}

// Ledger is the durable execution record. Implementations must make
// CreateExecution atomic with respect to the idempotence key and must
// apply counter updates in the same transaction as the status change.
type Ledger interface {
	// CreateExecution inserts e unless a non-failed execution already exists
	// for (RuleID, ContactID, TriggerEventID) or the rule is no longer
	// active. It reports whether a row was written and bumps the rule's
	// total_triggered (and total_failed for executions created as failed).
	CreateExecution(ctx context.Context, e *domain.Execution) (bool, error)

	// Exists reports whether an execution exists for the idempotence key.
	// Failed executions count only when includeFailed is set.
	Exists(ctx context.Context, ruleID, contactID, eventID string, includeFailed bool) (bool, error)

	// SendHistory counts sent executions of a rule to a contact.
	SendHistory(ctx context.Context, ruleID, contactID string) (domain.SendHistory, error)

	// RecordSkip counts a policy veto and bumps total_triggered.
	RecordSkip(ctx context.Context, s domain.SkipRecord) error

	// ClaimDue moves up to limit scheduled executions with
	// scheduled_for <= now to sending under leaseToken, counting one
	// attempt each.
	ClaimDue(ctx context.Context, now time.Time, limit int, leaseToken string, leaseUntil time.Time) ([]domain.Execution, error)

	// MarkSent, MarkFailed and Reschedule succeed only while the execution
	// is sending under leaseToken; otherwise they return domain.ErrLeaseLost.
	MarkSent(ctx context.Context, id, leaseToken string, at time.Time) error
	MarkFailed(ctx context.Context, id, leaseToken, reason, lastError string, at time.Time) error
	Reschedule(ctx context.Context, id, leaseToken string, next time.Time, lastError string) error

	// ReleaseExpiredLeases returns expired sending executions to scheduled,
	// or fails them with lease_expired once maxAttempts is reached.
	ReleaseExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) (released, failed int, err error)

	// CancelPending fails every pending or scheduled execution of a rule
	// with reason rule_deactivated.
	CancelPending(ctx context.Context, ruleID string, at time.Time) (int, error)

	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.Execution, int, error)
	Diagnostics(ctx context.Context, ruleID string) (*domain.RuleDiagnostics, error)
}

// DecisionKind labels an engine decision published to analytics.
type DecisionKind string

const (
	DecisionScheduled DecisionKind = "scheduled"
	DecisionSkipped   DecisionKind = "skipped"
	DecisionDuplicate DecisionKind = "duplicate"
	DecisionFailed    DecisionKind = "failed"
	DecisionSent      DecisionKind = "sent"
	DecisionRetry     DecisionKind = "retry"
	DecisionCancelled DecisionKind = "cancelled"
)

// Decision is one engine decision, emitted after it has been persisted.
type Decision struct {
	Kind           DecisionKind       `json:"kind"`
	OrganizationID string             `json:"organization_id"`
	RuleID         string             `json:"rule_id"`
	ContactID      string             `json:"contact_id,omitempty"`
	TriggerEventID string             `json:"trigger_event_id,omitempty"`
	TriggerType    domain.TriggerType `json:"trigger_type,omitempty"`
	ExecutionID    string             `json:"execution_id,omitempty"`
	Variant        string             `json:"variant,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	ScheduledFor   *time.Time         `json:"scheduled_for,omitempty"`
	At             time.Time          `json:"at"`
}

// DecisionSink receives decisions for analytics consumers. Publishing is
// best effort and never affects the ledger.
type DecisionSink interface {
	Publish(ctx context.Context, d Decision) error
}
