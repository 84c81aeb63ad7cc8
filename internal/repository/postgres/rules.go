package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
)

// RuleRepo reads automation rules and their A/B tests.
type RuleRepo struct{ db *sql.DB }

// NewRuleRepo creates a Postgres-backed rule source.
func NewRuleRepo(db *sql.DB) *RuleRepo { return &RuleRepo{db: db} }

var _ automation.RuleSource = (*RuleRepo)(nil)
var _ automation.Ledger = (*ExecutionRepo)(nil)

// ActiveRules loads the org's active rules. Rows whose trigger config,
// conditions or A/B variants cannot be decoded are returned as issues.
func (r *RuleRepo) ActiveRules(ctx context.Context, orgID string) (automation.RuleSet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, name, trigger_type, trigger_config, conditions, condition_logic,
		       COALESCE(template_id::text, ''), send_delay_minutes, max_sends_per_contact,
		       cooldown_period_days, priority, enforce_business_hours, is_active, ab_test_enabled,
		       total_triggered, total_sent, total_failed, created_at, updated_at
		FROM automation_rules
		WHERE org_id = $1 AND is_active = true
		ORDER BY priority DESC, created_at ASC
	`, orgID)
	if err != nil {
		return automation.RuleSet{}, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var set automation.RuleSet
	abRules := map[string]int{}
	for rows.Next() {
		var (
			rule                domain.AutomationRule
			triggerRaw, condRaw []byte
			maxSends, cooldown  sql.NullInt64
		)
		if err := rows.Scan(
			&rule.ID, &rule.OrganizationID, &rule.Name, &rule.TriggerType, &triggerRaw, &condRaw,
			&rule.ConditionLogic, &rule.TemplateID, &rule.SendDelayMinutes, &maxSends,
			&cooldown, &rule.Priority, &rule.EnforceBusinessHours, &rule.IsActive, &rule.ABTestEnabled,
			&rule.TotalTriggered, &rule.TotalSent, &rule.TotalFailed, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return automation.RuleSet{}, fmt.Errorf("scan rule: %w", err)
		}
		rule.MaxSendsPerContact = nullInt(maxSends)
		rule.CooldownPeriodDays = nullInt(cooldown)

		if err := decodeRuleConfig(&rule, triggerRaw, condRaw); err != nil {
			set.Issues = append(set.Issues, domain.RuleIssue{
				RuleID: rule.ID, OrganizationID: rule.OrganizationID, Error: err.Error(),
			})
			continue
		}
		if rule.ABTestEnabled {
			abRules[rule.ID] = len(set.Rules)
		}
		set.Rules = append(set.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return automation.RuleSet{}, err
	}

	if len(abRules) == 0 {
		return set, nil
	}
	if err := r.attachABTests(ctx, &set, abRules); err != nil {
		return automation.RuleSet{}, err
	}
	return set, nil
}

func decodeRuleConfig(rule *domain.AutomationRule, triggerRaw, condRaw []byte) error {
	cfg, err := domain.DecodeTriggerConfig(rule.TriggerType, triggerRaw)
	if err != nil {
		return domain.WithRule(rule.ID, err)
	}
	rule.TriggerConfig = cfg
	conds, err := domain.DecodeConditions(condRaw)
	if err != nil {
		return domain.WithRule(rule.ID, err)
	}
	rule.Conditions = conds
	return nil
}

// attachABTests loads the newest test of each A/B rule. A rule whose test
// rows are unreadable moves from Rules to Issues.
func (r *RuleRepo) attachABTests(ctx context.Context, set *automation.RuleSet, abRules map[string]int) error {
	ids := make([]string, 0, len(abRules))
	for id := range abRules {
		ids = append(ids, id)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (rule_id) id, rule_id, name, variants, status, winner_variant, started_at, ended_at
		FROM automation_ab_tests
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, created_at DESC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query ab tests: %w", err)
	}
	defer rows.Close()

	broken := map[string]string{}
	for rows.Next() {
		var (
			t              domain.ABTest
			variantsRaw    []byte
			winner         sql.NullString
			started, ended sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.RuleID, &t.Name, &variantsRaw, &t.Status, &winner, &started, &ended); err != nil {
			return fmt.Errorf("scan ab test: %w", err)
		}
		if err := json.Unmarshal(variantsRaw, &t.Variants); err != nil {
			broken[t.RuleID] = fmt.Sprintf("ab_test: variants: %v", err)
			continue
		}
		if winner.Valid {
			t.WinnerVariant = &winner.String
		}
		t.StartedAt = nullTime(started)
		t.EndedAt = nullTime(ended)
		set.Rules[abRules[t.RuleID]].ABTest = &t
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(broken) == 0 {
		return nil
	}
	kept := set.Rules[:0]
	for _, rule := range set.Rules {
		if msg, ok := broken[rule.ID]; ok {
			set.Issues = append(set.Issues, domain.RuleIssue{
				RuleID: rule.ID, OrganizationID: rule.OrganizationID, Error: msg,
			})
			continue
		}
		kept = append(kept, rule)
	}
	set.Rules = kept
	return nil
}

// SetRuleActive flips is_active and returns the rule's org.
func (r *RuleRepo) SetRuleActive(ctx context.Context, ruleID string, active bool) (string, error) {
	var orgID string
	err := r.db.QueryRowContext(ctx, `
		UPDATE automation_rules SET is_active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING org_id
	`, ruleID, active).Scan(&orgID)
	if err == sql.ErrNoRows {
		return "", domain.ErrRuleNotFound
	}
	if err != nil {
		return "", fmt.Errorf("set rule active: %w", err)
	}
	return orgID, nil
}

// RuleOrg returns the org owning a rule, active or not.
func (r *RuleRepo) RuleOrg(ctx context.Context, ruleID string) (string, error) {
	var orgID string
	err := r.db.QueryRowContext(ctx, `SELECT org_id FROM automation_rules WHERE id = $1`, ruleID).Scan(&orgID)
	if err == sql.ErrNoRows {
		return "", domain.ErrRuleNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get rule org: %w", err)
	}
	return orgID, nil
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
