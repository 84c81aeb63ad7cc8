package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/domain"
)

type suppressCall struct {
	org, email string
	reason     domain.SuppressionReason
}

type fakeSuppressor struct {
	calls []suppressCall
	err   error
}

func (f *fakeSuppressor) Suppress(_ context.Context, orgID, email string, reason domain.SuppressionReason) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, suppressCall{orgID, email, reason})
	return nil
}

const permanentBounce = `{
	"notificationType": "Bounce",
	"mail": {"tags": {"org_id": ["org-1"], "execution_id": ["e-1"]}},
	"bounce": {
		"bounceType": "Permanent",
		"bouncedRecipients": [{"emailAddress": "gone@example.com"}]
	}
}`

func TestFeedbackHandler_PermanentBounce(t *testing.T) {
	s := &fakeSuppressor{}
	require.NoError(t, NewFeedbackHandler(s).Handle(context.Background(), []byte(permanentBounce)))
	assert.Equal(t, []suppressCall{{"org-1", "gone@example.com", domain.ReasonHardBounce}}, s.calls)
}

func TestFeedbackHandler_SNSWrappedComplaint(t *testing.T) {
	inner := `{"eventType":"Complaint","mail":{"tags":{"org_id":["org-2"]}},` +
		`"complaint":{"complainedRecipients":[{"emailAddress":"angry@example.com"}]}}`
	wrapped, err := json.Marshal(map[string]string{"Type": "Notification", "Message": inner})
	require.NoError(t, err)

	s := &fakeSuppressor{}
	require.NoError(t, NewFeedbackHandler(s).Handle(context.Background(), wrapped))
	assert.Equal(t, []suppressCall{{"org-2", "angry@example.com", domain.ReasonComplaint}}, s.calls)
}

func TestFeedbackHandler_IgnoresTransientBounceAndDelivery(t *testing.T) {
	s := &fakeSuppressor{}
	h := NewFeedbackHandler(s)
	transient := `{"notificationType":"Bounce","mail":{"tags":{"org_id":["org-1"]}},` +
		`"bounce":{"bounceType":"Transient","bouncedRecipients":[{"emailAddress":"full@example.com"}]}}`
	require.NoError(t, h.Handle(context.Background(), []byte(transient)))
	require.NoError(t, h.Handle(context.Background(), []byte(`{"notificationType":"Delivery"}`)))
	assert.Empty(t, s.calls)
}

func TestFeedbackHandler_MissingOrgTag(t *testing.T) {
	body := `{"notificationType":"Complaint","complaint":{"complainedRecipients":[{"emailAddress":"a@example.com"}]}}`
	err := NewFeedbackHandler(&fakeSuppressor{}).Handle(context.Background(), []byte(body))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFeedbackHandler_StoreErrorIsRetried(t *testing.T) {
	s := &fakeSuppressor{err: errors.New("db down")}
	err := NewFeedbackHandler(s).Handle(context.Background(), []byte(permanentBounce))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformed)
	assert.NotContains(t, err.Error(), "gone@example.com")
}
