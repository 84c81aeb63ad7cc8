// Package memory holds in-memory implementations of the automation stores.
// They back the server's memory storage mode and the engine tests. All
// methods are safe for concurrent use; status changes are compare-and-set
// under a single mutex.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
)

// Store is a process-local rule, contact, template, business-hours,
// suppression and execution store.
type Store struct {
	mu sync.RWMutex

	rules      map[string]*domain.AutomationRule
	ruleIssues map[string][]domain.RuleIssue // by org
	contacts   map[string]*domain.ContactSnapshot
	activities map[string][]domain.Activity // by org/contact
	templates  map[string]*domain.Template
	hours      map[string]*domain.BusinessHours
	suppressed map[string]*domain.Suppression // by org/email

	executions map[string]*domain.Execution
	skips      map[string]map[domain.SkipReason]int64 // by rule
	skipLog    []domain.SkipRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rules:      make(map[string]*domain.AutomationRule),
		ruleIssues: make(map[string][]domain.RuleIssue),
		contacts:   make(map[string]*domain.ContactSnapshot),
		activities: make(map[string][]domain.Activity),
		templates:  make(map[string]*domain.Template),
		hours:      make(map[string]*domain.BusinessHours),
		suppressed: make(map[string]*domain.Suppression),
		executions: make(map[string]*domain.Execution),
		skips:      make(map[string]map[domain.SkipReason]int64),
	}
}

var _ automation.RuleSource = (*Store)(nil)
var _ automation.ContactStore = (*Store)(nil)
var _ automation.TemplateStore = (*Store)(nil)
var _ automation.BusinessHoursSource = (*Store)(nil)
var _ automation.Ledger = (*Store)(nil)

func key(parts ...string) string { return strings.Join(parts, "/") }

// PutRule inserts or replaces a rule. Counters on r are kept.
func (s *Store) PutRule(r domain.AutomationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.rules[r.ID] = &cp
}

// PutRuleIssue records a rule whose stored configuration cannot be decoded.
func (s *Store) PutRuleIssue(issue domain.RuleIssue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleIssues[issue.OrganizationID] = append(s.ruleIssues[issue.OrganizationID], issue)
}

// Rule returns a copy of a rule including its counters.
func (s *Store) Rule(id string) (domain.AutomationRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.AutomationRule{}, false
	}
	return *r, true
}

// RuleOrg returns the org owning a rule.
func (s *Store) RuleOrg(_ context.Context, ruleID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return "", domain.ErrRuleNotFound
	}
	return r.OrganizationID, nil
}

// ActiveRules returns every active rule of the org.
func (s *Store) ActiveRules(_ context.Context, orgID string) (automation.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var set automation.RuleSet
	for _, r := range s.rules {
		if r.OrganizationID == orgID && r.IsActive {
			set.Rules = append(set.Rules, *r)
		}
	}
	sort.Slice(set.Rules, func(i, j int) bool { return set.Rules[i].ID < set.Rules[j].ID })
	set.Issues = append(set.Issues, s.ruleIssues[orgID]...)
	return set, nil
}

// SetRuleActive flips is_active.
func (s *Store) SetRuleActive(_ context.Context, ruleID string, active bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return "", domain.ErrRuleNotFound
	}
	r.IsActive = active
	r.UpdatedAt = time.Now().UTC()
	return r.OrganizationID, nil
}

// PutContact inserts or replaces a contact.
func (s *Store) PutContact(c domain.ContactSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.contacts[key(c.OrganizationID, c.ID)] = &cp
}

// DeleteContact removes a contact and its activities.
func (s *Store) DeleteContact(orgID, contactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, key(orgID, contactID))
	delete(s.activities, key(orgID, contactID))
}

// AddActivity appends to a contact's activity history.
func (s *Store) AddActivity(orgID string, a domain.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(orgID, a.ContactID)
	s.activities[k] = append(s.activities[k], a)
}

func (s *Store) GetContact(_ context.Context, orgID, contactID string) (*domain.ContactSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[key(orgID, contactID)]
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListActivities(_ context.Context, orgID, contactID string, since time.Time) ([]domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Activity
	for _, a := range s.activities[key(orgID, contactID)] {
		if !a.OccurredAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

// PutTemplate inserts or replaces a template.
func (s *Store) PutTemplate(t domain.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.templates[key(t.OrganizationID, t.ID)] = &cp
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(orgID, templateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, key(orgID, templateID))
}

func (s *Store) GetTemplate(_ context.Context, orgID, templateID string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[key(orgID, templateID)]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

// PutBusinessHours sets an org's send window.
func (s *Store) PutBusinessHours(h domain.BusinessHours) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := h
	s.hours[h.OrganizationID] = &cp
}

func (s *Store) BusinessHours(_ context.Context, orgID string) (*domain.BusinessHours, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hours[orgID]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}
