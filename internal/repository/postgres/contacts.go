package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
)

// ContactRepo reads contact snapshots and activity history.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact store.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

var _ automation.ContactStore = (*ContactRepo)(nil)

// contactFieldColumns are the standard attributes exposed to contact_field
// conditions, in scan order.
var contactFieldColumns = []string{
	"first_name", "last_name", "phone", "company", "job_title",
	"city", "state", "country", "source", "status", "pipeline_stage_id", "lead_score",
}

func (r *ContactRepo) GetContact(ctx context.Context, orgID, contactID string) (*domain.ContactSnapshot, error) {
	var (
		c              domain.ContactSnapshot
		email          sql.NullString
		assigned, team sql.NullString
		customRaw      []byte
		first, last    sql.NullString
		phone, company sql.NullString
		title, city    sql.NullString
		state, country sql.NullString
		source, status sql.NullString
		stage          sql.NullString
		score          sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, email, first_name, last_name, phone, company, job_title,
		       city, state, country, source, status, pipeline_stage_id, lead_score,
		       custom_fields, assigned_to::text, assigned_team_id::text, updated_at
		FROM contacts
		WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL
	`, contactID, orgID).Scan(
		&c.ID, &c.OrganizationID, &email, &first, &last, &phone, &company, &title,
		&city, &state, &country, &source, &status, &stage, &score,
		&customRaw, &assigned, &team, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}

	c.Email = email.String
	c.AssignedUserID = assigned.String
	c.AssignedTeamID = team.String
	c.Fields = make(map[string]string, len(contactFieldColumns))
	for i, v := range []sql.NullString{first, last, phone, company, title, city, state, country, source, status, stage} {
		if v.Valid {
			c.Fields[contactFieldColumns[i]] = v.String
		}
	}
	if score.Valid {
		c.Fields["lead_score"] = strconv.FormatInt(score.Int64, 10)
	}

	custom, err := decodeCustomFields(customRaw)
	if err != nil {
		return nil, fmt.Errorf("contact %s custom fields: %w", contactID, err)
	}
	c.CustomFields = custom
	return &c, nil
}

// decodeCustomFields flattens the custom_fields object to strings. Numbers
// keep their literal form; null values are dropped.
func decodeCustomFields(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case json.Number:
			out[k] = x.String()
		case bool:
			out[k] = strconv.FormatBool(x)
		default:
			b, _ := json.Marshal(x)
			out[k] = string(b)
		}
	}
	return out, nil
}

func (r *ContactRepo) ListActivities(ctx context.Context, orgID, contactID string, since time.Time) ([]domain.Activity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, contact_id, activity_type, created_at
		FROM contact_activities
		WHERE org_id = $1 AND contact_id = $2 AND created_at >= $3
		ORDER BY created_at DESC
	`, orgID, contactID, since)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.ContactID, &a.Type, &a.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
