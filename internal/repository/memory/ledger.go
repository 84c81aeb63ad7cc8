package memory

import (
	"context"
	"sort"
	"time"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// CreateExecution inserts e when the rule is active and no non-failed
// execution holds the same idempotence key.
func (s *Store) CreateExecution(_ context.Context, e *domain.Execution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[e.RuleID]
	if !ok || !rule.IsActive {
		return false, nil
	}
	if e.Status != domain.ExecutionFailed {
		for _, x := range s.executions {
			if x.Status != domain.ExecutionFailed && sameKey(x, e.RuleID, e.ContactID, e.TriggerEventID) {
				return false, nil
			}
		}
	}

	s.executions[e.ID] = cloneExecution(e)
	rule.TotalTriggered++
	if e.Status == domain.ExecutionFailed {
		rule.TotalFailed++
	}
	return true, nil
}

func (s *Store) Exists(_ context.Context, ruleID, contactID, eventID string, includeFailed bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, x := range s.executions {
		if !sameKey(x, ruleID, contactID, eventID) {
			continue
		}
		if includeFailed || x.Status != domain.ExecutionFailed {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SendHistory(_ context.Context, ruleID, contactID string) (domain.SendHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var h domain.SendHistory
	for _, x := range s.executions {
		if x.RuleID != ruleID || x.ContactID != contactID || x.Status != domain.ExecutionSent {
			continue
		}
		h.SentCount++
		if x.SentAt != nil && (h.LastSentAt == nil || x.SentAt.After(*h.LastSentAt)) {
			at := *x.SentAt
			h.LastSentAt = &at
		}
	}
	return h, nil
}

func (s *Store) RecordSkip(_ context.Context, rec domain.SkipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byReason, ok := s.skips[rec.RuleID]
	if !ok {
		byReason = make(map[domain.SkipReason]int64)
		s.skips[rec.RuleID] = byReason
	}
	byReason[rec.Reason]++
	s.skipLog = append(s.skipLog, rec)
	if r, ok := s.rules[rec.RuleID]; ok {
		r.TotalTriggered++
	}
	return nil
}

// Skips returns every recorded skip in insertion order.
func (s *Store) Skips() []domain.SkipRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SkipRecord(nil), s.skipLog...)
}

// ClaimDue leases the oldest due scheduled executions.
func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int, leaseToken string, leaseUntil time.Time) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Execution
	for _, x := range s.executions {
		if x.Status == domain.ExecutionScheduled && !x.ScheduledFor.After(now) {
			due = append(due, x)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.Execution, 0, len(due))
	for _, x := range due {
		until := leaseUntil
		x.Status = domain.ExecutionSending
		x.LeaseToken = leaseToken
		x.LeaseExpiresAt = &until
		x.Attempts++
		out = append(out, *cloneExecution(x))
	}
	return out, nil
}

func (s *Store) MarkSent(_ context.Context, id, leaseToken string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, err := s.leased(id, leaseToken)
	if err != nil {
		return err
	}
	sentAt := at
	x.Status = domain.ExecutionSent
	x.SentAt = &sentAt
	x.LastError = ""
	clearLease(x)
	if r, ok := s.rules[x.RuleID]; ok {
		r.TotalSent++
	}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id, leaseToken, reason, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, err := s.leased(id, leaseToken)
	if err != nil {
		return err
	}
	s.fail(x, reason, lastError, at)
	return nil
}

func (s *Store) Reschedule(_ context.Context, id, leaseToken string, next time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, err := s.leased(id, leaseToken)
	if err != nil {
		return err
	}
	x.Status = domain.ExecutionScheduled
	x.ScheduledFor = next
	x.LastError = lastError
	clearLease(x)
	return nil
}

func (s *Store) ReleaseExpiredLeases(_ context.Context, now time.Time, maxAttempts int) (released, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.executions {
		if x.Status != domain.ExecutionSending || x.LeaseExpiresAt == nil || x.LeaseExpiresAt.After(now) {
			continue
		}
		if x.Attempts >= maxAttempts {
			s.fail(x, domain.FailureLeaseExpired, "dispatcher lease expired", now)
			failed++
			continue
		}
		x.Status = domain.ExecutionScheduled
		x.ScheduledFor = now
		x.LastError = "dispatcher lease expired"
		clearLease(x)
		released++
	}
	return released, failed, nil
}

// CancelPending fails pending and scheduled executions of a rule. Leased
// executions are left to their dispatcher.
func (s *Store) CancelPending(_ context.Context, ruleID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.executions {
		if x.RuleID != ruleID {
			continue
		}
		if x.Status == domain.ExecutionPending || x.Status == domain.ExecutionScheduled {
			s.fail(x, domain.FailureRuleDeactivated, "rule deactivated", at)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	x, ok := s.executions[id]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	return cloneExecution(x), nil
}

// ListExecutions pages executions newest first. A scheduled status filter
// also returns leased executions.
func (s *Store) ListExecutions(_ context.Context, f domain.ExecutionFilter) ([]domain.Execution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []domain.Execution
	for _, x := range s.executions {
		if f.OrganizationID != "" && x.OrganizationID != f.OrganizationID {
			continue
		}
		if f.RuleID != "" && x.RuleID != f.RuleID {
			continue
		}
		if f.ContactID != "" && x.ContactID != f.ContactID {
			continue
		}
		if f.Status != "" && x.PublicStatus() != f.Status {
			continue
		}
		matched = append(matched, *cloneExecution(x))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return page(matched, f.Offset, limit), len(matched), nil
}

func (s *Store) Diagnostics(_ context.Context, ruleID string) (*domain.RuleDiagnostics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return nil, domain.ErrRuleNotFound
	}

	d := &domain.RuleDiagnostics{
		RuleID:         ruleID,
		TotalTriggered: r.TotalTriggered,
		TotalSent:      r.TotalSent,
		TotalFailed:    r.TotalFailed,
		ByStatus:       make(map[domain.ExecutionStatus]int64),
		Skips:          make(map[domain.SkipReason]int64),
		FailureReasons: make(map[string]int64),
	}
	variants := map[string]*domain.VariantStats{}
	for _, x := range s.executions {
		if x.RuleID != ruleID {
			continue
		}
		d.ByStatus[x.Status]++
		if x.Status == domain.ExecutionFailed && x.FailureReason != "" {
			d.FailureReasons[x.FailureReason]++
		}
		if x.VariantName == nil {
			continue
		}
		vs, ok := variants[*x.VariantName]
		if !ok {
			vs = &domain.VariantStats{Variant: *x.VariantName}
			variants[*x.VariantName] = vs
		}
		switch x.Status {
		case domain.ExecutionSent:
			vs.Sent++
		case domain.ExecutionFailed:
			vs.Failed++
		default:
			vs.Scheduled++
		}
	}
	for reason, n := range s.skips[ruleID] {
		d.Skips[reason] = n
	}
	for _, vs := range variants {
		d.Variants = append(d.Variants, *vs)
	}
	sort.Slice(d.Variants, func(i, j int) bool { return d.Variants[i].Variant < d.Variants[j].Variant })
	return d, nil
}

// leased returns the execution when it is sending under leaseToken.
func (s *Store) leased(id, leaseToken string) (*domain.Execution, error) {
	x, ok := s.executions[id]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	if x.Status != domain.ExecutionSending || x.LeaseToken != leaseToken {
		return nil, domain.ErrLeaseLost
	}
	return x, nil
}

func (s *Store) fail(x *domain.Execution, reason, lastError string, at time.Time) {
	failedAt := at
	x.Status = domain.ExecutionFailed
	x.FailureReason = reason
	x.LastError = lastError
	x.FailedAt = &failedAt
	clearLease(x)
	if r, ok := s.rules[x.RuleID]; ok {
		r.TotalFailed++
	}
}

func sameKey(x *domain.Execution, ruleID, contactID, eventID string) bool {
	return x.RuleID == ruleID && x.ContactID == contactID && x.TriggerEventID == eventID
}

func clearLease(x *domain.Execution) {
	x.LeaseToken = ""
	x.LeaseExpiresAt = nil
}

func cloneExecution(e *domain.Execution) *domain.Execution {
	cp := *e
	if e.VariantName != nil {
		v := *e.VariantName
		cp.VariantName = &v
	}
	if e.LeaseExpiresAt != nil {
		t := *e.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if e.SentAt != nil {
		t := *e.SentAt
		cp.SentAt = &t
	}
	if e.FailedAt != nil {
		t := *e.FailedAt
		cp.FailedAt = &t
	}
	return &cp
}
