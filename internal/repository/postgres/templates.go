package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
)

// TemplateRepo resolves email templates.
type TemplateRepo struct{ db *sql.DB }

// NewTemplateRepo creates a Postgres-backed template store.
func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

var _ automation.TemplateStore = (*TemplateRepo)(nil)

// GetTemplate returns domain.ErrTemplateNotFound for unknown, deleted and
// inactive templates.
func (r *TemplateRepo) GetTemplate(ctx context.Context, orgID, templateID string) (*domain.Template, error) {
	t := &domain.Template{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, subject, is_active
		FROM email_templates
		WHERE id::text = $1 AND org_id = $2 AND deleted_at IS NULL
	`, templateID, orgID).Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Subject, &t.IsActive)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if !t.IsActive {
		return nil, domain.ErrTemplateNotFound
	}
	return t, nil
}

// BusinessHoursRepo reads per-org send windows.
type BusinessHoursRepo struct{ db *sql.DB }

// NewBusinessHoursRepo creates a Postgres-backed business-hours source.
func NewBusinessHoursRepo(db *sql.DB) *BusinessHoursRepo { return &BusinessHoursRepo{db: db} }

var _ automation.BusinessHoursSource = (*BusinessHoursRepo)(nil)

// BusinessHours returns nil when the org has no row.
func (r *BusinessHoursRepo) BusinessHours(ctx context.Context, orgID string) (*domain.BusinessHours, error) {
	var (
		bh       domain.BusinessHours
		weekdays pq.Int64Array
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT org_id, timezone, weekdays, start_minute, end_minute
		FROM org_business_hours
		WHERE org_id = $1
	`, orgID).Scan(&bh.OrganizationID, &bh.Timezone, &weekdays, &bh.Start, &bh.End)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get business hours: %w", err)
	}
	for _, d := range weekdays {
		if d >= 0 && d <= 6 {
			bh.Weekdays = append(bh.Weekdays, time.Weekday(d))
		}
	}
	return &bh, nil
}
