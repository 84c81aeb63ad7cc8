package automation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/metrics"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

// Deps are the collaborators of the Engine. Sink, Capacity, Now and
// NewRand are optional.
type Deps struct {
	Rules        RuleSource
	Contacts     ContactStore
	Templates    TemplateStore
	Suppression  SuppressionChecker
	Hours        BusinessHoursSource
	Capacity     SendCapacity
	Ledger       Ledger
	Sink         DecisionSink
	DefaultHours domain.BusinessHours
	Now          func() time.Time
	NewRand      func() *rand.Rand
}

// Engine turns trigger events into scheduled executions.
type Engine struct {
	rules     RuleSource
	contacts  ContactStore
	templates TemplateStore
	ledger    Ledger
	gate      *Gate
	scheduler *Scheduler
	subjects  *SubjectRenderer
	sink      DecisionSink
	newRand   func() *rand.Rand
	now       func() time.Time
}

// NewEngine wires an engine from its collaborators.
func NewEngine(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewRand == nil {
		d.NewRand = NewEventRand
	}
	gate := NewGate(d.Suppression, d.Ledger)
	gate.now = d.Now
	return &Engine{
		rules:     d.Rules,
		contacts:  d.Contacts,
		templates: d.Templates,
		ledger:    d.Ledger,
		gate:      gate,
		scheduler: NewScheduler(d.Hours, d.DefaultHours, d.Capacity),
		subjects:  NewSubjectRenderer(),
		sink:      d.Sink,
		newRand:   d.NewRand,
		now:       d.Now,
	}
}

// IntakeResult summarizes what one event did.
type IntakeResult struct {
	EventID      string                    `json:"event_id"`
	Matched      int                       `json:"matched"`
	Scheduled    int                       `json:"scheduled"`
	Duplicates   int                       `json:"duplicates"`
	Failed       int                       `json:"failed"`
	Errors       int                       `json:"errors"`
	Skipped      map[domain.SkipReason]int `json:"skipped"`
	Executions   []string                  `json:"executions,omitempty"`
	InvalidRules []domain.RuleIssue        `json:"invalid_rules,omitempty"`
}

// matchOutcome is the result of processing one matched rule.
type matchOutcome struct {
	kind        DecisionKind
	reason      string
	executionID string
}

// HandleEvent processes one trigger event. Each matched rule is handled in
// isolation: a failure on one rule is logged and counted, and the rest
// still run. An error is returned only when the event is invalid or the
// rule snapshot, contact or activity history cannot be read, in which case
// the producer should redeliver it.
func (e *Engine) HandleEvent(ctx context.Context, ev *domain.TriggerEvent) (*IntakeResult, error) {
	began := time.Now()
	if err := ev.Validate(); err != nil {
		metrics.ObserveEventDuration(time.Since(began), "invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	metrics.EventsReceivedTotal.WithLabelValues(string(ev.Type)).Inc()

	res, err := e.handle(ctx, ev, e.now())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveEventDuration(time.Since(began), status)
	return res, err
}

func (e *Engine) handle(ctx context.Context, ev *domain.TriggerEvent, now time.Time) (*IntakeResult, error) {
	res := &IntakeResult{EventID: ev.ID, Skipped: map[domain.SkipReason]int{}}

	set, err := e.rules.ActiveRules(ctx, ev.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	res.InvalidRules = append(res.InvalidRules, set.Issues...)

	candidates := make([]domain.AutomationRule, 0, len(set.Rules))
	for _, r := range set.Rules {
		if r.IsActive && r.TriggerType == ev.Type {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return res, nil
	}

	hours := e.scheduler.HoursFor(ctx, ev.OrganizationID)

	contact, err := e.contacts.GetContact(ctx, ev.OrganizationID, ev.ContactID)
	contactMissing := errors.Is(err, domain.ErrContactNotFound)
	if err != nil && !contactMissing {
		return nil, fmt.Errorf("load contact: %w", err)
	}

	ec := EvalContext{Now: now, Location: hours.Location()}
	if !contactMissing {
		if window := activityWindow(candidates); window > 0 {
			acts, err := e.contacts.ListActivities(ctx, ev.OrganizationID, ev.ContactID, now.Add(-window))
			if err != nil {
				return nil, fmt.Errorf("load activities: %w", err)
			}
			ec.Activities = acts
		}
	}

	match := Match(ev, candidates, contact, ec)
	for _, issue := range match.Invalid {
		metrics.InvalidRulesTotal.Inc()
		logger.Warn("[Engine] rule excluded: invalid configuration",
			"rule_id", issue.RuleID, "org_id", issue.OrganizationID, "error", issue.Error)
	}
	res.InvalidRules = append(res.InvalidRules, match.Invalid...)
	res.Matched = len(match.Matched)

	rng := e.newRand()
	for i := range match.Matched {
		rule := &match.Matched[i]
		metrics.RuleMatchesTotal.WithLabelValues(string(ev.Type)).Inc()

		out, err := e.processMatch(ctx, ev, rule, contact, hours, rng)
		if err != nil {
			res.Errors++
			logger.Error("[Engine] match processing failed",
				"rule_id", rule.ID, "event_id", ev.ID, "contact_id", ev.ContactID, "error", err)
			continue
		}
		switch out.kind {
		case DecisionScheduled:
			res.Scheduled++
			res.Executions = append(res.Executions, out.executionID)
		case DecisionSkipped:
			res.Skipped[domain.SkipReason(out.reason)]++
		case DecisionDuplicate:
			res.Duplicates++
		case DecisionFailed:
			res.Failed++
			res.Executions = append(res.Executions, out.executionID)
		}
	}

	logger.Info("[Engine] event processed",
		"event_id", ev.ID, "org_id", ev.OrganizationID, "trigger_type", string(ev.Type),
		"matched", res.Matched, "scheduled", res.Scheduled, "duplicates", res.Duplicates,
		"failed", res.Failed, "errors", res.Errors)
	return res, nil
}

// processMatch runs gate, variant selection, scheduling and ledger insert
// for one matched rule. contact is nil when the contact does not exist.
func (e *Engine) processMatch(ctx context.Context, ev *domain.TriggerEvent, rule *domain.AutomationRule,
	contact *domain.ContactSnapshot, hours domain.BusinessHours, rng *rand.Rand) (matchOutcome, error) {

	exists, err := e.ledger.Exists(ctx, rule.ID, ev.ContactID, ev.ID, false)
	if err != nil {
		metrics.MatchErrorsTotal.WithLabelValues("ledger").Inc()
		return matchOutcome{}, fmt.Errorf("check existing execution: %w", err)
	}
	if exists {
		return e.duplicate(ev, rule), nil
	}

	if contact == nil {
		return e.failAtIntake(ctx, ev, rule, nil, Selection{TemplateID: rule.TemplateID}, domain.FailureContactNotFound)
	}
	if contact.NormalizedEmail() == "" {
		return e.failAtIntake(ctx, ev, rule, contact, Selection{TemplateID: rule.TemplateID}, domain.FailureContactEmailMissing)
	}

	decision, err := e.gate.Admit(ctx, rule, contact)
	if err != nil {
		metrics.MatchErrorsTotal.WithLabelValues("gate").Inc()
		return matchOutcome{}, err
	}
	if !decision.Admit {
		return e.skip(ctx, ev, rule, decision.Reason)
	}

	sel := SelectVariant(rule, rng)

	tpl, err := e.templates.GetTemplate(ctx, ev.OrganizationID, sel.TemplateID)
	if errors.Is(err, domain.ErrTemplateNotFound) || (err == nil && !tpl.IsActive) {
		return e.failAtIntake(ctx, ev, rule, contact, sel, domain.FailureTemplateNotFound)
	}
	if err != nil {
		metrics.MatchErrorsTotal.WithLabelValues("template").Inc()
		return matchOutcome{}, fmt.Errorf("load template: %w", err)
	}

	now := e.now()
	scheduledFor, reserved := e.scheduler.ScheduleFor(ctx, rule, ev.OccurredAt, hours)
	exec := &domain.Execution{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		ContactID:      ev.ContactID,
		OrganizationID: ev.OrganizationID,
		TriggerType:    ev.Type,
		TriggerEventID: ev.ID,
		ContactEmail:   contact.NormalizedEmail(),
		TemplateID:     sel.TemplateID,
		VariantName:    sel.Variant,
		EmailSubject:   e.subjects.Subject(sel, tpl, contact),
		Status:         domain.ExecutionScheduled,
		CreatedAt:      now,
		ScheduledFor:   scheduledFor,
	}

	created, err := e.ledger.CreateExecution(ctx, exec)
	if (err != nil || !created) && reserved {
		e.scheduler.Release(ctx, rule.OrganizationID, scheduledFor)
	}
	if err != nil {
		metrics.MatchErrorsTotal.WithLabelValues("ledger").Inc()
		return matchOutcome{}, fmt.Errorf("create execution: %w", err)
	}
	if !created {
		return e.duplicate(ev, rule), nil
	}

	metrics.ExecutionsCreatedTotal.WithLabelValues(string(exec.Status)).Inc()
	e.publish(ctx, Decision{
		Kind:           DecisionScheduled,
		OrganizationID: ev.OrganizationID,
		RuleID:         rule.ID,
		ContactID:      ev.ContactID,
		TriggerEventID: ev.ID,
		TriggerType:    ev.Type,
		ExecutionID:    exec.ID,
		Variant:        deref(sel.Variant),
		ScheduledFor:   &scheduledFor,
		At:             now,
	})
	logger.Debug("[Engine] execution scheduled",
		"execution_id", exec.ID, "rule_id", rule.ID, "contact_email", exec.ContactEmail,
		"scheduled_for", exec.ScheduledFor.Format(time.RFC3339))
	return matchOutcome{kind: DecisionScheduled, executionID: exec.ID}, nil
}

// failAtIntake records a data error as a failed execution. A failed
// execution already recorded for the same key makes this a duplicate.
func (e *Engine) failAtIntake(ctx context.Context, ev *domain.TriggerEvent, rule *domain.AutomationRule,
	contact *domain.ContactSnapshot, sel Selection, reason string) (matchOutcome, error) {

	exists, err := e.ledger.Exists(ctx, rule.ID, ev.ContactID, ev.ID, true)
	if err != nil {
		metrics.MatchErrorsTotal.WithLabelValues("ledger").Inc()
		return matchOutcome{}, fmt.Errorf("check existing execution: %w", err)
	}
	if exists {
		return e.duplicate(ev, rule), nil
	}

	now := e.now()
	exec := &domain.Execution{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		ContactID:      ev.ContactID,
		OrganizationID: ev.OrganizationID,
		TriggerType:    ev.Type,
		TriggerEventID: ev.ID,
		TemplateID:     sel.TemplateID,
		VariantName:    sel.Variant,
		Status:         domain.ExecutionFailed,
		FailureReason:  reason,
		LastError:      reason,
		CreatedAt:      now,
		ScheduledFor:   now,
		FailedAt:       &now,
	}
	if contact != nil {
		exec.ContactEmail = contact.NormalizedEmail()
	}

	created, err := e.ledger.CreateExecution(ctx, exec)
	if err != nil {
		metrics.MatchErrorsTotal.WithLabelValues("ledger").Inc()
		return matchOutcome{}, fmt.Errorf("create failed execution: %w", err)
	}
	if !created {
		return e.duplicate(ev, rule), nil
	}

	metrics.ExecutionsCreatedTotal.WithLabelValues(string(exec.Status)).Inc()
	logger.Warn("[Engine] execution failed at intake",
		"execution_id", exec.ID, "rule_id", rule.ID, "contact_id", ev.ContactID, "reason", reason)
	e.publish(ctx, Decision{
		Kind:           DecisionFailed,
		OrganizationID: ev.OrganizationID,
		RuleID:         rule.ID,
		ContactID:      ev.ContactID,
		TriggerEventID: ev.ID,
		TriggerType:    ev.Type,
		ExecutionID:    exec.ID,
		Reason:         reason,
		At:             now,
	})
	return matchOutcome{kind: DecisionFailed, reason: reason, executionID: exec.ID}, nil
}

func (e *Engine) skip(ctx context.Context, ev *domain.TriggerEvent, rule *domain.AutomationRule, reason domain.SkipReason) (matchOutcome, error) {
	now := e.now()
	err := e.ledger.RecordSkip(ctx, domain.SkipRecord{
		RuleID:         rule.ID,
		OrganizationID: ev.OrganizationID,
		ContactID:      ev.ContactID,
		TriggerEventID: ev.ID,
		Reason:         reason,
		At:             now,
	})
	if err != nil {
		metrics.MatchErrorsTotal.WithLabelValues("ledger").Inc()
		return matchOutcome{}, fmt.Errorf("record skip: %w", err)
	}
	metrics.SkipsTotal.WithLabelValues(string(reason)).Inc()
	logger.Info("[Engine] rule skipped",
		"rule_id", rule.ID, "contact_id", ev.ContactID, "reason", string(reason))
	e.publish(ctx, Decision{
		Kind:           DecisionSkipped,
		OrganizationID: ev.OrganizationID,
		RuleID:         rule.ID,
		ContactID:      ev.ContactID,
		TriggerEventID: ev.ID,
		TriggerType:    ev.Type,
		Reason:         string(reason),
		At:             now,
	})
	return matchOutcome{kind: DecisionSkipped, reason: string(reason)}, nil
}

func (e *Engine) duplicate(ev *domain.TriggerEvent, rule *domain.AutomationRule) matchOutcome {
	metrics.DuplicatesTotal.Inc()
	logger.Debug("[Engine] duplicate trigger ignored",
		"rule_id", rule.ID, "contact_id", ev.ContactID, "event_id", ev.ID)
	return matchOutcome{kind: DecisionDuplicate}
}

func (e *Engine) publish(ctx context.Context, d Decision) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, d); err != nil {
		logger.Warn("[Engine] decision publish failed", "kind", string(d.Kind), "rule_id", d.RuleID, "error", err)
	}
}

// activityWindow returns the longest activity_history lookback among rules.
func activityWindow(rules []domain.AutomationRule) time.Duration {
	var longest time.Duration
	for _, r := range rules {
		for _, c := range r.Conditions {
			if ah, ok := c.(domain.ActivityHistoryCondition); ok && ah.Window() > longest {
				longest = ah.Window()
			}
		}
	}
	return longest
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
