package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// ExecutionRepo is the execution ledger backed by automation_executions.
// Idempotence relies on the partial unique index over
// (rule_id, contact_id, trigger_event_id) WHERE status <> 'failed'.
type ExecutionRepo struct{ db *sql.DB }

// NewExecutionRepo creates a Postgres-backed execution ledger.
func NewExecutionRepo(db *sql.DB) *ExecutionRepo { return &ExecutionRepo{db: db} }

const executionColumns = `id, rule_id, contact_id, org_id, trigger_type, trigger_event_id,
	contact_email, template_id, variant_name, email_subject, status, attempts,
	last_error, failure_reason, lease_token, lease_expires_at, created_at,
	scheduled_for, sent_at, failed_at`

const leaseExpiredError = "dispatcher lease expired"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(s rowScanner) (*domain.Execution, error) {
	var (
		e                        domain.Execution
		variant, leaseToken      sql.NullString
		leaseUntil, sent, failed sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.RuleID, &e.ContactID, &e.OrganizationID, &e.TriggerType, &e.TriggerEventID,
		&e.ContactEmail, &e.TemplateID, &variant, &e.EmailSubject, &e.Status, &e.Attempts,
		&e.LastError, &e.FailureReason, &leaseToken, &leaseUntil, &e.CreatedAt,
		&e.ScheduledFor, &sent, &failed,
	)
	if err != nil {
		return nil, err
	}
	if variant.Valid {
		e.VariantName = &variant.String
	}
	e.LeaseToken = leaseToken.String
	e.LeaseExpiresAt = nullTime(leaseUntil)
	e.SentAt = nullTime(sent)
	e.FailedAt = nullTime(failed)
	return &e, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CreateExecution inserts e if its rule is still active and no non-failed
// execution holds the idempotence key. The rule row is share-locked so a
// concurrent deactivation either sees this row or prevents it.
func (r *ExecutionRepo) CreateExecution(ctx context.Context, e *domain.Execution) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin create execution: %w", err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx,
		`SELECT is_active FROM automation_rules WHERE id = $1 FOR SHARE`,
		e.RuleID,
	).Scan(&active)
	if err == sql.ErrNoRows || (err == nil && !active) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock rule: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO automation_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (rule_id, contact_id, trigger_event_id) WHERE status <> 'failed' DO NOTHING
	`,
		e.ID, e.RuleID, e.ContactID, e.OrganizationID, e.TriggerType, e.TriggerEventID,
		e.ContactEmail, e.TemplateID, nullString(e.VariantName), e.EmailSubject, e.Status, e.Attempts,
		e.LastError, e.FailureReason, sql.NullString{String: e.LeaseToken, Valid: e.LeaseToken != ""},
		e.LeaseExpiresAt, e.CreatedAt, e.ScheduledFor, e.SentAt, e.FailedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	failedInc := 0
	if e.Status == domain.ExecutionFailed {
		failedInc = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE automation_rules
		SET total_triggered = total_triggered + 1, total_failed = total_failed + $2, updated_at = NOW()
		WHERE id = $1
	`, e.RuleID, failedInc); err != nil {
		return false, fmt.Errorf("update rule counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create execution: %w", err)
	}
	return true, nil
}

func (r *ExecutionRepo) Exists(ctx context.Context, ruleID, contactID, eventID string, includeFailed bool) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM automation_executions
			WHERE rule_id = $1 AND contact_id = $2 AND trigger_event_id = $3
			  AND ($4 OR status <> 'failed')
		)
	`, ruleID, contactID, eventID, includeFailed).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check execution exists: %w", err)
	}
	return exists, nil
}

func (r *ExecutionRepo) SendHistory(ctx context.Context, ruleID, contactID string) (domain.SendHistory, error) {
	var (
		h    domain.SendHistory
		last sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(sent_at)
		FROM automation_executions
		WHERE rule_id = $1 AND contact_id = $2 AND status = 'sent'
	`, ruleID, contactID).Scan(&h.SentCount, &last)
	if err != nil {
		return domain.SendHistory{}, fmt.Errorf("send history: %w", err)
	}
	h.LastSentAt = nullTime(last)
	return h, nil
}

func (r *ExecutionRepo) RecordSkip(ctx context.Context, s domain.SkipRecord) error {
	_, err := r.db.ExecContext(ctx, `
		WITH bumped AS (
			UPDATE automation_rules SET total_triggered = total_triggered + 1, updated_at = NOW()
			WHERE id = $1
		)
		INSERT INTO automation_skip_counters (rule_id, reason, count, last_skipped_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (rule_id, reason) DO UPDATE
		SET count = automation_skip_counters.count + 1, last_skipped_at = EXCLUDED.last_skipped_at
	`, s.RuleID, string(s.Reason), s.At)
	if err != nil {
		return fmt.Errorf("record skip: %w", err)
	}
	return nil
}

// ClaimDue leases due executions with SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent claimers never receive the same row.
func (r *ExecutionRepo) ClaimDue(ctx context.Context, now time.Time, limit int, leaseToken string, leaseUntil time.Time) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE automation_executions
		SET status = 'sending', lease_token = $3, lease_expires_at = $4, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM automation_executions
			WHERE status = 'scheduled' AND scheduled_for <= $1
			ORDER BY scheduled_for ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+executionColumns,
		now, limit, leaseToken, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("claim due executions: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed execution: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (r *ExecutionRepo) MarkSent(ctx context.Context, id, leaseToken string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		WITH done AS (
			UPDATE automation_executions
			SET status = 'sent', sent_at = $3, last_error = '', lease_token = NULL, lease_expires_at = NULL
			WHERE id = $1 AND status = 'sending' AND lease_token = $2
			RETURNING rule_id
		)
		UPDATE automation_rules SET total_sent = total_sent + 1, updated_at = NOW()
		WHERE id IN (SELECT rule_id FROM done)
	`, id, leaseToken, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return r.checkLeased(ctx, res, id)
}

func (r *ExecutionRepo) MarkFailed(ctx context.Context, id, leaseToken, reason, lastError string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		WITH done AS (
			UPDATE automation_executions
			SET status = 'failed', failure_reason = $3, last_error = $4, failed_at = $5,
			    lease_token = NULL, lease_expires_at = NULL
			WHERE id = $1 AND status = 'sending' AND lease_token = $2
			RETURNING rule_id
		)
		UPDATE automation_rules SET total_failed = total_failed + 1, updated_at = NOW()
		WHERE id IN (SELECT rule_id FROM done)
	`, id, leaseToken, reason, lastError, at)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return r.checkLeased(ctx, res, id)
}

func (r *ExecutionRepo) Reschedule(ctx context.Context, id, leaseToken string, next time.Time, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_executions
		SET status = 'scheduled', scheduled_for = $3, last_error = $4, lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'sending' AND lease_token = $2
	`, id, leaseToken, next, lastError)
	if err != nil {
		return fmt.Errorf("reschedule execution: %w", err)
	}
	return r.checkLeased(ctx, res, id)
}

// checkLeased turns a zero-row CAS update into ErrLeaseLost, or
// ErrExecutionNotFound when the row does not exist at all.
func (r *ExecutionRepo) checkLeased(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM automation_executions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if !exists {
		return domain.ErrExecutionNotFound
	}
	return domain.ErrLeaseLost
}

func (r *ExecutionRepo) ReleaseExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) (released, failed int, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin release leases: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		WITH expired AS (
			UPDATE automation_executions
			SET status = 'failed', failure_reason = $3, last_error = $4, failed_at = $1,
			    lease_token = NULL, lease_expires_at = NULL
			WHERE status = 'sending' AND lease_expires_at <= $1 AND attempts >= $2
			RETURNING rule_id
		), bumped AS (
			UPDATE automation_rules r
			SET total_failed = r.total_failed + x.n, updated_at = NOW()
			FROM (SELECT rule_id, COUNT(*) AS n FROM expired GROUP BY rule_id) x
			WHERE r.id = x.rule_id
		)
		SELECT COUNT(*) FROM expired
	`, now, maxAttempts, domain.FailureLeaseExpired, leaseExpiredError).Scan(&failed)
	if err != nil {
		return 0, 0, fmt.Errorf("fail expired leases: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE automation_executions
		SET status = 'scheduled', scheduled_for = $1, last_error = $2, lease_token = NULL, lease_expires_at = NULL
		WHERE status = 'sending' AND lease_expires_at <= $1
	`, now, leaseExpiredError)
	if err != nil {
		return 0, 0, fmt.Errorf("release expired leases: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit release leases: %w", err)
	}
	return int(n), failed, nil
}

// CancelPending fails pending and scheduled executions of a rule. Leased
// rows are left to their dispatcher.
func (r *ExecutionRepo) CancelPending(ctx context.Context, ruleID string, at time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		WITH cancelled AS (
			UPDATE automation_executions
			SET status = 'failed', failure_reason = $2, last_error = 'rule deactivated', failed_at = $3
			WHERE rule_id = $1 AND status IN ('pending', 'scheduled')
			RETURNING id
		), bumped AS (
			UPDATE automation_rules
			SET total_failed = total_failed + (SELECT COUNT(*) FROM cancelled), updated_at = NOW()
			WHERE id = $1
		)
		SELECT COUNT(*) FROM cancelled
	`, ruleID, domain.FailureRuleDeactivated, at).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cancel pending executions: %w", err)
	}
	return n, nil
}

func (r *ExecutionRepo) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	e, err := scanExecution(r.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM automation_executions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions pages executions newest first. A scheduled status filter
// also returns leased executions.
func (r *ExecutionRepo) ListExecutions(ctx context.Context, f domain.ExecutionFilter) ([]domain.Execution, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OrganizationID != "" {
		add("org_id = $%d", f.OrganizationID)
	}
	if f.RuleID != "" {
		add("rule_id = $%d", f.RuleID)
	}
	if f.ContactID != "" {
		add("contact_id = $%d", f.ContactID)
	}
	switch f.Status {
	case "":
	case domain.ExecutionScheduled:
		where = append(where, "status IN ('scheduled', 'sending')")
	default:
		add("status = $%d", string(f.Status))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM automation_executions`+whereSQL, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM automation_executions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		executionColumns, whereSQL, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

func (r *ExecutionRepo) Diagnostics(ctx context.Context, ruleID string) (*domain.RuleDiagnostics, error) {
	d := &domain.RuleDiagnostics{
		RuleID:         ruleID,
		ByStatus:       make(map[domain.ExecutionStatus]int64),
		Skips:          make(map[domain.SkipReason]int64),
		FailureReasons: make(map[string]int64),
	}
	err := r.db.QueryRowContext(ctx,
		`SELECT total_triggered, total_sent, total_failed FROM automation_rules WHERE id = $1`, ruleID,
	).Scan(&d.TotalTriggered, &d.TotalSent, &d.TotalFailed)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rule counters: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, failure_reason, COUNT(*)
		FROM automation_executions
		WHERE rule_id = $1
		GROUP BY status, failure_reason
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("execution counts: %w", err)
	}
	for rows.Next() {
		var (
			status domain.ExecutionStatus
			reason string
			n      int64
		)
		if err := rows.Scan(&status, &reason, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan execution counts: %w", err)
		}
		d.ByStatus[status] += n
		if status == domain.ExecutionFailed && reason != "" {
			d.FailureReasons[reason] += n
		}
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx,
		`SELECT reason, count FROM automation_skip_counters WHERE rule_id = $1`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("skip counts: %w", err)
	}
	for rows.Next() {
		var (
			reason domain.SkipReason
			n      int64
		)
		if err := rows.Scan(&reason, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan skip counts: %w", err)
		}
		d.Skips[reason] = n
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT variant_name,
		       COUNT(*) FILTER (WHERE status NOT IN ('sent', 'failed')),
		       COUNT(*) FILTER (WHERE status = 'sent'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM automation_executions
		WHERE rule_id = $1 AND variant_name IS NOT NULL
		GROUP BY variant_name
		ORDER BY variant_name
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("variant counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var vs domain.VariantStats
		if err := rows.Scan(&vs.Variant, &vs.Scheduled, &vs.Sent, &vs.Failed); err != nil {
			return nil, fmt.Errorf("scan variant counts: %w", err)
		}
		d.Variants = append(d.Variants, vs)
	}
	return d, rows.Err()
}
