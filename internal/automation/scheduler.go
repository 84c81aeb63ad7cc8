package automation

import (
	"context"
	"slices"
	"time"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

// DefaultCapacityLookahead bounds how far the scheduler searches for a free
// hourly bucket when a send ceiling is configured.
const DefaultCapacityLookahead = 14 * 24 * time.Hour

// Scheduler computes when an admitted execution should be sent.
type Scheduler struct {
	hours        BusinessHoursSource
	defaultHours domain.BusinessHours
	capacity     SendCapacity
	lookahead    time.Duration
}

// NewScheduler creates a scheduler. capacity may be nil for no ceiling.
func NewScheduler(hours BusinessHoursSource, defaultHours domain.BusinessHours, capacity SendCapacity) *Scheduler {
	return &Scheduler{
		hours:        hours,
		defaultHours: defaultHours,
		capacity:     capacity,
		lookahead:    DefaultCapacityLookahead,
	}
}

// HoursFor returns the org's business hours, or the default when the org
// has none configured or the lookup fails.
func (s *Scheduler) HoursFor(ctx context.Context, orgID string) domain.BusinessHours {
	if s.hours == nil {
		return s.defaultHours
	}
	bh, err := s.hours.BusinessHours(ctx, orgID)
	if err != nil {
		logger.Warn("[Scheduler] business hours lookup failed, using default", "org_id", orgID, "error", err)
		return s.defaultHours
	}
	if bh == nil {
		return s.defaultHours
	}
	return *bh
}

// ScheduleFor returns event time plus the rule's delay, moved to the next
// business-hours window when the rule enforces it, then, if a send ceiling
// is configured, to the first hour bucket with free capacity. reserved
// reports whether a capacity slot was taken for the returned time.
func (s *Scheduler) ScheduleFor(ctx context.Context, rule *domain.AutomationRule, eventTime time.Time, hours domain.BusinessHours) (at time.Time, reserved bool) {
	at = eventTime.Add(time.Duration(rule.SendDelayMinutes) * time.Minute)
	if rule.EnforceBusinessHours {
		at = NextBusinessTime(hours, at)
	}
	if s.capacity == nil {
		return at, false
	}

	limit := at.Add(s.lookahead)
	candidate := at
	for !candidate.After(limit) {
		bucket := candidate.UTC().Truncate(time.Hour)
		ok, err := s.capacity.Reserve(ctx, rule.OrganizationID, bucket)
		if err != nil {
			logger.Warn("[Scheduler] capacity check failed, scheduling without ceiling",
				"org_id", rule.OrganizationID, "rule_id", rule.ID, "error", err)
			return candidate, false
		}
		if ok {
			return candidate, true
		}
		candidate = bucket.Add(time.Hour)
		if rule.EnforceBusinessHours {
			candidate = NextBusinessTime(hours, candidate)
		}
	}
	logger.Warn("[Scheduler] no send capacity within lookahead",
		"org_id", rule.OrganizationID, "rule_id", rule.ID, "lookahead", s.lookahead.String())
	return candidate, false
}

// Release gives back the slot ScheduleFor reserved for at.
func (s *Scheduler) Release(ctx context.Context, orgID string, at time.Time) {
	if s.capacity == nil {
		return
	}
	if err := s.capacity.Release(ctx, orgID, at.UTC().Truncate(time.Hour)); err != nil {
		logger.Warn("[Scheduler] capacity release failed", "org_id", orgID, "error", err)
	}
}

// InBusinessHours reports whether t falls inside the [Start, End) window of
// an allowed weekday, in the hours' timezone.
func InBusinessHours(h domain.BusinessHours, t time.Time) bool {
	if !windowValid(h) {
		return true
	}
	lt := t.In(h.Location())
	if !slices.Contains(h.Weekdays, lt.Weekday()) {
		return false
	}
	clock := domain.ClockOf(lt)
	return clock >= h.Start && clock < h.End
}

// NextBusinessTime returns t when it is inside business hours, otherwise the
// start of the next allowed window. Hours without any usable window leave t
// unchanged.
func NextBusinessTime(h domain.BusinessHours, t time.Time) time.Time {
	if !windowValid(h) || InBusinessHours(h, t) {
		return t
	}
	loc := h.Location()
	lt := t.In(loc)
	for i := 0; i <= 7; i++ {
		day := time.Date(lt.Year(), lt.Month(), lt.Day()+i, 0, 0, 0, 0, loc)
		if !slices.Contains(h.Weekdays, day.Weekday()) {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), int(h.Start)/60, int(h.Start)%60, 0, 0, loc)
		if start.After(lt) {
			return start.In(t.Location())
		}
	}
	return t
}

func windowValid(h domain.BusinessHours) bool {
	return len(h.Weekdays) > 0 && h.Start.Valid() && h.End.Valid() && h.Start < h.End
}
