package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/domain"
)

func TestContactRepo_GetContact(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	cols := []string{
		"id", "org_id", "email", "first_name", "last_name", "phone", "company", "job_title",
		"city", "state", "country", "source", "status", "pipeline_stage_id", "lead_score",
		"custom_fields", "assigned_to", "assigned_team_id", "updated_at",
	}
	mock.ExpectQuery("FROM contacts").
		WithArgs("c-1", "org-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"c-1", "org-1", "jane@example.com", "Jane", nil, nil, "Acme", nil,
			"Pune", nil, "IN", nil, nil, "won", 42,
			[]byte(`{"Plan":"Enterprise","seats":12.5,"vip":true,"notes":null}`), "u-7", nil, testNow,
		))

	c, err := NewContactRepo(db).GetContact(context.Background(), "org-1", "c-1")
	require.NoError(t, err)

	assert.Equal(t, "jane@example.com", c.Email)
	v, ok := c.Field("first_name")
	assert.True(t, ok)
	assert.Equal(t, "Jane", v)
	_, ok = c.Field("last_name")
	assert.False(t, ok, "null columns are absent")
	v, _ = c.Field("lead_score")
	assert.Equal(t, "42", v)
	v, _ = c.Field("pipeline_stage_id")
	assert.Equal(t, "won", v)

	assert.Equal(t, "Enterprise", c.CustomFields["Plan"])
	assert.Equal(t, "12.5", c.CustomFields["seats"])
	assert.Equal(t, "true", c.CustomFields["vip"])
	_, ok = c.CustomFields["notes"]
	assert.False(t, ok)

	assert.Equal(t, "u-7", c.AssignedUserID)
	assert.Empty(t, c.AssignedTeamID)
}

func TestContactRepo_GetContact_NotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM contacts").WillReturnError(sql.ErrNoRows)

	_, err := NewContactRepo(db).GetContact(context.Background(), "org-1", "gone")
	assert.ErrorIs(t, err, domain.ErrContactNotFound)
}

func TestContactRepo_ListActivities(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	since := testNow.Add(-7 * 24 * time.Hour)
	mock.ExpectQuery("FROM contact_activities").
		WithArgs("org-1", "c-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"id", "contact_id", "activity_type", "created_at"}).
			AddRow("a-1", "c-1", "call", testNow.Add(-time.Hour)).
			AddRow("a-2", "c-1", "meeting", testNow.Add(-48*time.Hour)))

	acts, err := NewContactRepo(db).ListActivities(context.Background(), "org-1", "c-1", since)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "call", acts[0].Type)
}

func TestTemplateRepo_GetTemplate(t *testing.T) {
	cols := []string{"id", "org_id", "name", "subject", "is_active"}

	t.Run("active", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()
		mock.ExpectQuery("FROM email_templates").
			WithArgs("tpl-1", "org-1").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("tpl-1", "org-1", "Welcome", "Hi {{ first_name }}", true))

		tpl, err := NewTemplateRepo(db).GetTemplate(context.Background(), "org-1", "tpl-1")
		require.NoError(t, err)
		assert.Equal(t, "Hi {{ first_name }}", tpl.Subject)
	})

	t.Run("inactive reads as missing", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()
		mock.ExpectQuery("FROM email_templates").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("tpl-1", "org-1", "Welcome", "Hi", false))

		_, err := NewTemplateRepo(db).GetTemplate(context.Background(), "org-1", "tpl-1")
		assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	})

	t.Run("missing", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()
		mock.ExpectQuery("FROM email_templates").WillReturnError(sql.ErrNoRows)

		_, err := NewTemplateRepo(db).GetTemplate(context.Background(), "org-1", "tpl-9")
		assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	})
}

func TestBusinessHoursRepo_BusinessHours(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM org_business_hours").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"org_id", "timezone", "weekdays", "start_minute", "end_minute"}).
			AddRow("org-1", "Asia/Kolkata", []byte("{1,2,3,4,5,6}"), 600, 1140))

	bh, err := NewBusinessHoursRepo(db).BusinessHours(context.Background(), "org-1")
	require.NoError(t, err)
	require.NotNil(t, bh)
	assert.Equal(t, "Asia/Kolkata", bh.Timezone)
	assert.Len(t, bh.Weekdays, 6)
	assert.Equal(t, time.Saturday, bh.Weekdays[5])
	assert.Equal(t, domain.ClockTime(600), bh.Start)
	assert.Equal(t, domain.ClockTime(1140), bh.End)
}

func TestBusinessHoursRepo_NoRow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM org_business_hours").WillReturnError(sql.ErrNoRows)

	bh, err := NewBusinessHoursRepo(db).BusinessHours(context.Background(), "org-1")
	assert.NoError(t, err)
	assert.Nil(t, bh)
}
