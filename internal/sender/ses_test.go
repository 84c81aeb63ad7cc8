package sender

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/pkg/retry"
)

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

func testMessage() *Message {
	return &Message{
		ExecutionID:    "exec-1",
		OrganizationID: "org-1",
		RuleID:         "rule-1",
		TemplateID:     "tpl-welcome",
		Variant:        "B",
		To:             "jane@example.com",
		Subject:        "Hi Jane",
		Data:           map[string]string{"first_name": "Jane"},
	}
}

func tagValue(tags []types.MessageTag, name string) string {
	for _, t := range tags {
		if aws.ToString(t.Name) == name {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func TestSESSender_Send(t *testing.T) {
	api := &fakeSES{}
	s := newSESSender(api, SESConfig{FromEmail: "noreply@insync.test", FromName: "InSync", ConfigurationSet: "automation"})
	sentAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return sentAt }

	res, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-msg-1", res.MessageID)
	assert.Equal(t, sentAt, res.SentAt)

	require.Len(t, api.inputs, 1)
	in := api.inputs[0]
	assert.Equal(t, "InSync <noreply@insync.test>", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"jane@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "automation", aws.ToString(in.ConfigurationSetName))
	assert.Equal(t, "tpl-welcome", aws.ToString(in.Content.Template.TemplateName))

	var data map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Content.Template.TemplateData)), &data))
	assert.Equal(t, "Hi Jane", data["subject"])
	assert.Equal(t, "Jane", data["first_name"])

	assert.Equal(t, "org-1", tagValue(in.EmailTags, "org_id"))
	assert.Equal(t, "exec-1", tagValue(in.EmailTags, "execution_id"))
	assert.Equal(t, "B", tagValue(in.EmailTags, "variant"))
}

func TestSESSender_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"rejected", &types.MessageRejected{Message: aws.String("address blacklisted")}, true},
		{"missing template", &types.NotFoundException{Message: aws.String("template")}, true},
		{"suspended", &types.AccountSuspendedException{}, true},
		{"throttled", &types.TooManyRequestsException{}, false},
		{"network", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSESSender(&fakeSES{err: tt.err}, SESConfig{FromEmail: "noreply@insync.test"})
			_, err := s.Send(context.Background(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tt.fatal, retry.IsFatal(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
