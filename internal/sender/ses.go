package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/EcrTech/insync-automation/internal/pkg/logger"
	"github.com/EcrTech/insync-automation/internal/pkg/retry"
)

// sesAPI is the subset of *sesv2.Client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES transport.
type SESConfig struct {
	AccessKey        string
	SecretKey        string
	Region           string
	FromEmail        string
	FromName         string
	ConfigurationSet string
}

// SESSender sends templated email through SES v2. The SES template is named
// by the execution's template id; the computed subject and contact fields
// are passed as template data.
type SESSender struct {
	client sesAPI
	cfg    SESConfig
	now    func() time.Time
}

// NewSESSender builds the SDK client. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSESSender(sesv2.NewFromConfig(awsCfg), cfg), nil
}

func newSESSender(client sesAPI, cfg SESConfig) *SESSender {
	return &SESSender{client: client, cfg: cfg, now: time.Now}
}

func (s *SESSender) from() string {
	if s.cfg.FromName == "" {
		return s.cfg.FromEmail
	}
	return fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail)
}

func (s *SESSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["subject"] = msg.Subject
	templateData, err := json.Marshal(data)
	if err != nil {
		return nil, retry.NewFatalError(fmt.Errorf("encode template data: %w", err))
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Template: &types.Template{
				TemplateName: aws.String(msg.TemplateID),
				TemplateData: aws.String(string(templateData)),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("org_id"), Value: aws.String(msg.OrganizationID)},
			{Name: aws.String("execution_id"), Value: aws.String(msg.ExecutionID)},
			{Name: aws.String("rule_id"), Value: aws.String(msg.RuleID)},
		},
	}
	if msg.Variant != "" {
		input.EmailTags = append(input.EmailTags,
			types.MessageTag{Name: aws.String("variant"), Value: aws.String(msg.Variant)})
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	messageID := aws.ToString(out.MessageId)
	logger.Info("[SES] sent", "execution_id", msg.ExecutionID, "email", msg.To, "message_id", messageID)
	return &Result{MessageID: messageID, SentAt: s.now()}, nil
}

// classifySESError marks rejections that will fail the same way on retry
// as fatal. Throttling, timeouts and unknown errors stay retryable.
func classifySESError(err error) error {
	var (
		rejected   *types.MessageRejected
		unverified *types.MailFromDomainNotVerifiedException
		suspended  *types.AccountSuspendedException
		badRequest *types.BadRequestException
		notFound   *types.NotFoundException
	)
	switch {
	case errors.As(err, &rejected),
		errors.As(err, &unverified),
		errors.As(err, &suspended),
		errors.As(err, &badRequest),
		errors.As(err, &notFound):
		return retry.NewFatalError(fmt.Errorf("ses rejected message: %w", err))
	}
	return retry.NewRetryableError(fmt.Errorf("ses send failed: %w", err))
}
