package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

// Suppressor adds addresses to an org's suppression list.
type Suppressor interface {
	Suppress(ctx context.Context, orgID, email string, reason domain.SuppressionReason) error
}

// OrgTag is the SES message tag carrying the organization id. The sender
// stamps it on every message so feedback can be routed back to the org.
const OrgTag = "org_id"

// sesNotification is the SES event body, either raw or wrapped in an SNS
// envelope (Type + Message).
type sesNotification struct {
	Type             string `json:"Type"`
	Message          string `json:"Message"`
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		Tags map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BouncedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
}

// FeedbackHandler turns SES permanent bounces and complaints into
// suppression entries. Transient bounces and deliveries are ignored.
type FeedbackHandler struct {
	suppressor Suppressor
}

func NewFeedbackHandler(s Suppressor) *FeedbackHandler {
	return &FeedbackHandler{suppressor: s}
}

func (h *FeedbackHandler) Handle(ctx context.Context, body []byte) error {
	var n sesNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.Type == "Notification" && n.Message != "" {
		var inner sesNotification
		if err := json.Unmarshal([]byte(n.Message), &inner); err != nil {
			return fmt.Errorf("%w: sns message: %v", ErrMalformed, err)
		}
		n = inner
	}

	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}
	var (
		reason     domain.SuppressionReason
		recipients []string
	)
	switch kind {
	case "Bounce":
		if n.Bounce == nil || n.Bounce.BounceType != "Permanent" {
			return nil
		}
		reason = domain.ReasonHardBounce
		for _, r := range n.Bounce.BouncedRecipients {
			recipients = append(recipients, r.EmailAddress)
		}
	case "Complaint":
		if n.Complaint == nil {
			return nil
		}
		reason = domain.ReasonComplaint
		for _, r := range n.Complaint.ComplainedRecipients {
			recipients = append(recipients, r.EmailAddress)
		}
	default:
		return nil
	}

	orgs := n.Mail.Tags[OrgTag]
	if len(orgs) == 0 || orgs[0] == "" {
		return fmt.Errorf("%w: %s notification without %s tag", ErrMalformed, kind, OrgTag)
	}
	orgID := orgs[0]

	for _, email := range recipients {
		if err := h.suppressor.Suppress(ctx, orgID, email, reason); err != nil {
			return fmt.Errorf("suppress %s: %w", logger.RedactEmail(email), err)
		}
		logger.Info("[Intake] address suppressed from SES feedback", "org_id", orgID, "email", email, "reason", string(reason))
	}
	return nil
}
