package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// HistoryReader is the slice of the Ledger the Gate needs.
type HistoryReader interface {
	SendHistory(ctx context.Context, ruleID, contactID string) (domain.SendHistory, error)
}

// GateDecision is Admit, or a Skip with its reason.
type GateDecision struct {
	Admit  bool
	Reason domain.SkipReason
}

var admit = GateDecision{Admit: true}

func skip(reason domain.SkipReason) GateDecision { return GateDecision{Reason: reason} }

// Gate enforces suppression, max sends per contact and cooldown, in that
// order, stopping at the first veto. Only sent executions count towards
// max sends and cooldown.
type Gate struct {
	suppression SuppressionChecker
	history     HistoryReader
	now         func() time.Time
}

// NewGate creates a gate over the given suppression list and send history.
func NewGate(suppression SuppressionChecker, history HistoryReader) *Gate {
	return &Gate{suppression: suppression, history: history, now: time.Now}
}

// Admit decides whether a matched rule may schedule a send to the contact.
// Errors are store failures, not vetoes.
func (g *Gate) Admit(ctx context.Context, rule *domain.AutomationRule, contact *domain.ContactSnapshot) (GateDecision, error) {
	email := contact.NormalizedEmail()
	if email != "" {
		suppressed, err := g.suppression.IsSuppressed(ctx, contact.OrganizationID, email)
		if err != nil {
			return GateDecision{}, fmt.Errorf("check suppression: %w", err)
		}
		if suppressed {
			return skip(domain.SkipSuppressed), nil
		}
	}

	if rule.MaxSendsPerContact == nil && rule.CooldownPeriodDays == nil {
		return admit, nil
	}

	hist, err := g.history.SendHistory(ctx, rule.ID, contact.ID)
	if err != nil {
		return GateDecision{}, fmt.Errorf("load send history: %w", err)
	}

	if rule.MaxSendsPerContact != nil && hist.SentCount >= *rule.MaxSendsPerContact {
		return skip(domain.SkipMaxSendsReached), nil
	}

	if rule.CooldownPeriodDays != nil && *rule.CooldownPeriodDays > 0 && hist.LastSentAt != nil {
		cooldown := time.Duration(*rule.CooldownPeriodDays) * 24 * time.Hour
		if g.now().Sub(*hist.LastSentAt) < cooldown {
			return skip(domain.SkipCooldownActive), nil
		}
	}
	return admit, nil
}
