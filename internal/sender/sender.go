// Package sender is the email transport used by the bundled dispatch
// worker. Errors are classified with retry.NewFatalError and
// retry.NewRetryableError so the worker can report the right outcome.
package sender

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

// Message is one automated email ready for the transport.
type Message struct {
	ExecutionID    string
	OrganizationID string
	RuleID         string
	TemplateID     string
	Variant        string
	To             string
	Subject        string
	Data           map[string]string
}

// Result is what the transport reports for an accepted message.
type Result struct {
	MessageID string
	SentAt    time.Time
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// DryRunSender accepts every message without delivering it.
type DryRunSender struct{}

func (DryRunSender) Send(_ context.Context, msg *Message) (*Result, error) {
	id := "dry-run-" + uuid.NewString()
	logger.Info("[Sender] dry run send",
		"execution_id", msg.ExecutionID, "email", msg.To, "template_id", msg.TemplateID, "message_id", id)
	return &Result{MessageID: id, SentAt: time.Now()}, nil
}
