package domain

import "time"

// ExecutionStatus enumerates the states of an Execution. Transitions only
// move forward: pending -> scheduled -> (sending) -> sent | failed, with
// sending -> scheduled for retries and lease expiry.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionScheduled ExecutionStatus = "scheduled"
	ExecutionSending   ExecutionStatus = "sending" // dispatcher lease, reads as scheduled elsewhere
	ExecutionSent      ExecutionStatus = "sent"
	ExecutionFailed    ExecutionStatus = "failed"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:   {ExecutionScheduled, ExecutionFailed},
	ExecutionScheduled: {ExecutionSending, ExecutionFailed},
	ExecutionSending:   {ExecutionSent, ExecutionFailed, ExecutionScheduled},
}

// CanTransition reports whether an execution may move from s to next.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for sent and failed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSent || s == ExecutionFailed
}

// Failure reasons recorded on failed executions.
const (
	FailureRuleDeactivated     = "rule_deactivated"
	FailureContactNotFound     = "contact_not_found"
	FailureContactEmailMissing = "contact_email_missing"
	FailureTemplateNotFound    = "template_not_found"
	FailureSuppressed          = "suppressed"
	FailureLeaseExpired        = "lease_expired"
	FailureRetriesExhausted    = "retries_exhausted"
	FailurePermanent           = "permanent_error"
)

// Execution is the durable record of one rule scheduled for one contact in
// response to one trigger event. (RuleID, ContactID, TriggerEventID) is the
// idempotence key among non-failed executions.
type Execution struct {
	ID             string          `json:"id" db:"id"`
	RuleID         string          `json:"rule_id" db:"rule_id"`
	ContactID      string          `json:"contact_id" db:"contact_id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	TriggerType    TriggerType     `json:"trigger_type" db:"trigger_type"`
	TriggerEventID string          `json:"trigger_event_id" db:"trigger_event_id"`
	ContactEmail   string          `json:"contact_email" db:"contact_email"`
	TemplateID     string          `json:"template_id" db:"template_id"`
	VariantName    *string         `json:"variant_name,omitempty" db:"variant_name"`
	EmailSubject   string          `json:"email_subject" db:"email_subject"`
	Status         ExecutionStatus `json:"status" db:"status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	LastError      string          `json:"last_error,omitempty" db:"last_error"`
	FailureReason  string          `json:"failure_reason,omitempty" db:"failure_reason"`
	LeaseToken     string          `json:"-" db:"lease_token"`
	LeaseExpiresAt *time.Time      `json:"-" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ScheduledFor   time.Time       `json:"scheduled_for" db:"scheduled_for"`
	SentAt         *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
}

// PublicStatus hides the dispatcher lease: a sending execution reads as scheduled.
func (e *Execution) PublicStatus() ExecutionStatus {
	if e.Status == ExecutionSending {
		return ExecutionScheduled
	}
	return e.Status
}

// OutcomeKind classifies a dispatch attempt.
type OutcomeKind string

const (
	OutcomeSent      OutcomeKind = "sent"
	OutcomeTransient OutcomeKind = "transient"
	OutcomePermanent OutcomeKind = "permanent"
)

// Outcome is what the dispatcher reports back for a claimed execution.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Error  string      `json:"error,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Valid reports whether the kind is known.
func (o Outcome) Valid() bool {
	return o.Kind == OutcomeSent || o.Kind == OutcomeTransient || o.Kind == OutcomePermanent
}

// SkipReason names the policy veto that stopped a matched rule.
type SkipReason string

const (
	SkipSuppressed      SkipReason = "suppressed"
	SkipMaxSendsReached SkipReason = "max_sends_reached"
	SkipCooldownActive  SkipReason = "cooldown_active"
)

// SkipRecord is a policy veto logged for diagnostics. No execution row
// exists for a skip.
type SkipRecord struct {
	RuleID         string     `json:"rule_id"`
	OrganizationID string     `json:"organization_id"`
	ContactID      string     `json:"contact_id"`
	TriggerEventID string     `json:"trigger_event_id"`
	Reason         SkipReason `json:"reason"`
	At             time.Time  `json:"at"`
}

// SendHistory summarizes prior sent executions of one rule to one contact.
type SendHistory struct {
	SentCount  int
	LastSentAt *time.Time
}

// ExecutionFilter controls ledger listing.
type ExecutionFilter struct {
	OrganizationID string
	RuleID         string
	ContactID      string
	Status         ExecutionStatus
	Limit          int
	Offset         int
}

// VariantStats counts executions per A/B variant.
type VariantStats struct {
	Variant   string `json:"variant"`
	Scheduled int64  `json:"scheduled"`
	Sent      int64  `json:"sent"`
	Failed    int64  `json:"failed"`
}

// RuleDiagnostics is the operator view of one rule.
type RuleDiagnostics struct {
	RuleID         string                    `json:"rule_id"`
	TotalTriggered int64                     `json:"total_triggered"`
	TotalSent      int64                     `json:"total_sent"`
	TotalFailed    int64                     `json:"total_failed"`
	ByStatus       map[ExecutionStatus]int64 `json:"by_status"`
	Skips          map[SkipReason]int64      `json:"skips"`
	FailureReasons map[string]int64          `json:"failure_reasons"`
	Variants       []VariantStats            `json:"variants,omitempty"`
}
