package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/metrics"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
	"github.com/EcrTech/insync-automation/internal/pkg/retry"
)

// DefaultLeaseTTL is how long a claimed execution stays leased before it
// is returned to scheduled.
const DefaultLeaseTTL = 2 * time.Minute

// Claim is a batch of executions leased to one dispatcher.
type Claim struct {
	LeaseToken     string             `json:"lease_token"`
	LeaseExpiresAt time.Time          `json:"lease_expires_at"`
	Executions     []domain.Execution `json:"executions"`
}

// Dispatcher is the boundary used by senders. It leases due executions and
// applies reported outcomes to the ledger.
type Dispatcher struct {
	ledger   Ledger
	rules    RuleSource
	policy   retry.Policy
	leaseTTL time.Duration
	sink     DecisionSink
	now      func() time.Time
	newToken func() string
}

// NewDispatcher creates a dispatcher. rules is used for deactivation and
// should be the same RuleCache the Engine reads so the change is visible
// immediately. sink may be nil.
func NewDispatcher(ledger Ledger, rules RuleSource, policy retry.Policy, leaseTTL time.Duration, sink DecisionSink) *Dispatcher {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Dispatcher{
		ledger:   ledger,
		rules:    rules,
		policy:   policy,
		leaseTTL: leaseTTL,
		sink:     sink,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// SetClock replaces the time source, for tests and replays.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Policy returns the retry policy applied to transient failures.
func (d *Dispatcher) Policy() retry.Policy { return d.policy }

// LeaseTTL returns the lease duration given to claims.
func (d *Dispatcher) LeaseTTL() time.Duration { return d.leaseTTL }

// ClaimDue leases up to limit due executions. Two concurrent claims never
// return the same execution.
func (d *Dispatcher) ClaimDue(ctx context.Context, limit int) (*Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	now := d.now()
	claim := &Claim{
		LeaseToken:     d.newToken(),
		LeaseExpiresAt: now.Add(d.leaseTTL),
	}
	execs, err := d.ledger.ClaimDue(ctx, now, limit, claim.LeaseToken, claim.LeaseExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("claim due executions: %w", err)
	}
	claim.Executions = execs
	if len(execs) > 0 {
		logger.Info("[Dispatcher] claimed executions", "count", len(execs), "lease_token", claim.LeaseToken)
	}
	return claim, nil
}

// ReportOutcome applies a dispatch result and returns the execution's new
// status. A transient failure is retried with backoff until the retry
// budget is used, then the execution fails with the last error. Returns
// domain.ErrLeaseLost when the caller no longer holds the lease.
func (d *Dispatcher) ReportOutcome(ctx context.Context, executionID, leaseToken string, o domain.Outcome) (domain.ExecutionStatus, error) {
	if !o.Valid() {
		return "", fmt.Errorf("%w: kind %q", ErrInvalidOutcome, o.Kind)
	}
	exec, err := d.ledger.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if exec.Status != domain.ExecutionSending || exec.LeaseToken != leaseToken {
		return "", domain.ErrLeaseLost
	}

	now := d.now()
	var status domain.ExecutionStatus
	var decision Decision

	switch o.Kind {
	case domain.OutcomeSent:
		if err := d.ledger.MarkSent(ctx, executionID, leaseToken, now); err != nil {
			return "", err
		}
		status = domain.ExecutionSent
		decision = Decision{Kind: DecisionSent}
		metrics.DispatchOutcomesTotal.WithLabelValues("sent").Inc()

	case domain.OutcomePermanent:
		reason := o.Reason
		if reason == "" {
			reason = domain.FailurePermanent
		}
		if err := d.ledger.MarkFailed(ctx, executionID, leaseToken, reason, o.Error, now); err != nil {
			return "", err
		}
		status = domain.ExecutionFailed
		decision = Decision{Kind: DecisionFailed, Reason: reason}
		metrics.DispatchOutcomesTotal.WithLabelValues("permanent").Inc()
		logger.Warn("[Dispatcher] permanent failure",
			"execution_id", executionID, "reason", reason, "error", o.Error)

	case domain.OutcomeTransient:
		if d.policy.Exhausted(exec.Attempts) {
			if err := d.ledger.MarkFailed(ctx, executionID, leaseToken, domain.FailureRetriesExhausted, o.Error, now); err != nil {
				return "", err
			}
			status = domain.ExecutionFailed
			decision = Decision{Kind: DecisionFailed, Reason: domain.FailureRetriesExhausted}
			metrics.DispatchOutcomesTotal.WithLabelValues("exhausted").Inc()
			logger.Warn("[Dispatcher] retry budget exhausted",
				"execution_id", executionID, "attempts", exec.Attempts, "error", o.Error)
			break
		}
		next := now.Add(d.policy.Delay(exec.Attempts))
		if err := d.ledger.Reschedule(ctx, executionID, leaseToken, next, o.Error); err != nil {
			return "", err
		}
		status = domain.ExecutionScheduled
		decision = Decision{Kind: DecisionRetry, Reason: o.Error, ScheduledFor: &next}
		metrics.DispatchOutcomesTotal.WithLabelValues("transient").Inc()
		logger.Info("[Dispatcher] transient failure, rescheduled",
			"execution_id", executionID, "attempts", exec.Attempts, "next_attempt", next.Format(time.RFC3339))
	}

	decision.OrganizationID = exec.OrganizationID
	decision.RuleID = exec.RuleID
	decision.ContactID = exec.ContactID
	decision.TriggerEventID = exec.TriggerEventID
	decision.TriggerType = exec.TriggerType
	decision.ExecutionID = exec.ID
	decision.Variant = deref(exec.VariantName)
	decision.At = now
	d.publish(ctx, decision)
	return status, nil
}

// ReleaseExpiredLeases returns executions whose lease lapsed to scheduled,
// failing those that have used the retry budget.
func (d *Dispatcher) ReleaseExpiredLeases(ctx context.Context) (released, failed int, err error) {
	maxAttempts := d.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultPolicy().MaxAttempts
	}
	released, failed, err = d.ledger.ReleaseExpiredLeases(ctx, d.now(), maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("release expired leases: %w", err)
	}
	if released > 0 || failed > 0 {
		metrics.LeasesReleasedTotal.WithLabelValues("rescheduled").Add(float64(released))
		metrics.LeasesReleasedTotal.WithLabelValues("failed").Add(float64(failed))
		logger.Warn("[Dispatcher] expired leases released", "rescheduled", released, "failed", failed)
	}
	return released, failed, nil
}

// CancelPendingForRule fails every pending or scheduled execution of a rule
// with reason rule_deactivated. Sent and failed executions are untouched.
func (d *Dispatcher) CancelPendingForRule(ctx context.Context, ruleID string) (int, error) {
	n, err := d.ledger.CancelPending(ctx, ruleID, d.now())
	if err != nil {
		return 0, fmt.Errorf("cancel pending for rule %s: %w", ruleID, err)
	}
	if n > 0 {
		metrics.ExecutionsCancelledTotal.Add(float64(n))
		logger.Info("[Dispatcher] pending executions cancelled", "rule_id", ruleID, "count", n)
		d.publish(ctx, Decision{Kind: DecisionCancelled, RuleID: ruleID, Reason: domain.FailureRuleDeactivated, At: d.now()})
	}
	return n, nil
}

// DeactivateRule stops a rule from matching new events. Executions already
// scheduled are left alone unless cancelPending is set.
func (d *Dispatcher) DeactivateRule(ctx context.Context, ruleID string, cancelPending bool) (int, error) {
	orgID, err := d.rules.SetRuleActive(ctx, ruleID, false)
	if err != nil {
		return 0, err
	}
	logger.Info("[Dispatcher] rule deactivated", "rule_id", ruleID, "org_id", orgID, "cancel_pending", cancelPending)
	if !cancelPending {
		return 0, nil
	}
	return d.CancelPendingForRule(ctx, ruleID)
}

func (d *Dispatcher) publish(ctx context.Context, dec Decision) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Publish(ctx, dec); err != nil {
		logger.Warn("[Dispatcher] decision publish failed", "kind", string(dec.Kind), "error", err)
	}
}
