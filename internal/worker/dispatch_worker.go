package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/metrics"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
	"github.com/EcrTech/insync-automation/internal/pkg/retry"
	"github.com/EcrTech/insync-automation/internal/sender"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultBatchSize    = 100
	DefaultConcurrency  = 10
	DefaultSendTimeout  = 30 * time.Second
)

// reportPolicy retries recording an outcome through short store outages.
// The send already happened, so losing the outcome would resend it after
// the lease expires.
var reportPolicy = retry.Policy{
	MaxAttempts:     4,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2,
}

// reportTimeout bounds outcome recording, which runs detached from the
// worker context so shutdown does not drop an outcome after a send.
const reportTimeout = 10 * time.Second

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	SendTimeout  time.Duration // hard limit per send attempt
	SendRate     float64       // messages per second across the worker, 0 = unlimited
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// DispatchDeps are the stores re-read at dispatch time.
type DispatchDeps struct {
	Dispatcher   *automation.Dispatcher
	Contacts     automation.ContactStore
	Templates    automation.TemplateStore
	Suppressions automation.SuppressionChecker
	Sender       sender.Sender
}

// fitLease keeps a claimed batch sendable within one lease: the send
// timeout must fit inside the lease and the batch is capped at the number
// of full-length sends the lease covers at the configured concurrency.
func (c DispatchConfig) fitLease(leaseTTL time.Duration) DispatchConfig {
	if leaseTTL <= 0 {
		return c
	}
	if c.SendTimeout >= leaseTTL {
		logger.Warn("[DispatchWorker] send timeout does not fit in the lease, lowering it",
			"send_timeout", c.SendTimeout.String(), "lease_ttl", leaseTTL.String())
		c.SendTimeout = leaseTTL / 2
	}
	maxBatch := int(leaseTTL/c.SendTimeout) * c.Concurrency
	if c.BatchSize > maxBatch {
		logger.Warn("[DispatchWorker] batch size exceeds what one lease covers, capping it",
			"batch_size", c.BatchSize, "max_batch", maxBatch, "lease_ttl", leaseTTL.String())
		c.BatchSize = maxBatch
	}
	return c
}

// DispatchWorker claims due executions, re-checks them against current
// contact, suppression and template state, sends them and reports each
// outcome back to the dispatcher.
type DispatchWorker struct {
	id      string
	deps    DispatchDeps
	cfg     DispatchConfig
	limiter *rate.Limiter
	now     func() time.Time
}

func NewDispatchWorker(deps DispatchDeps, cfg DispatchConfig) *DispatchWorker {
	cfg = cfg.withDefaults()
	if deps.Dispatcher != nil {
		cfg = cfg.fitLease(deps.Dispatcher.LeaseTTL())
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.SendRate > 0 {
		burst := int(cfg.SendRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	return &DispatchWorker{
		id:      "dispatch-" + uuid.NewString()[:8],
		deps:    deps,
		cfg:     cfg,
		limiter: limiter,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for lease checks.
func (w *DispatchWorker) SetClock(now func() time.Time) { w.now = now }

// Start polls until ctx is cancelled. A full batch is followed by an
// immediate re-poll so a backlog drains without waiting for the ticker.
func (w *DispatchWorker) Start(ctx context.Context) {
	logger.Info("[DispatchWorker] starting",
		"worker_id", w.id, "poll_interval", w.cfg.PollInterval.String(),
		"batch_size", w.cfg.BatchSize, "concurrency", w.cfg.Concurrency)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := w.RunOnce(ctx)
			if err != nil {
				logger.Error("[DispatchWorker] poll failed", "worker_id", w.id, "error", err)
				break
			}
			if n < w.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			logger.Info("[DispatchWorker] stopping", "worker_id", w.id)
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and dispatches it. It returns the number of
// executions claimed.
func (w *DispatchWorker) RunOnce(ctx context.Context) (int, error) {
	claim, err := w.deps.Dispatcher.ClaimDue(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i := range claim.Executions {
		exec := claim.Executions[i]
		g.Go(func() error {
			w.process(gctx, claim.LeaseToken, &exec)
			return nil
		})
	}
	_ = g.Wait()
	return len(claim.Executions), nil
}

func (w *DispatchWorker) process(ctx context.Context, leaseToken string, exec *domain.Execution) {
	outcome, ok := w.attempt(ctx, exec)
	if !ok {
		logger.Warn("[DispatchWorker] lease too short to send, leaving for recovery",
			"execution_id", exec.ID, "lease_expires_at", exec.LeaseExpiresAt)
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	var status domain.ExecutionStatus
	err := retry.Do(rctx, reportPolicy, func() error {
		var err error
		status, err = w.deps.Dispatcher.ReportOutcome(rctx, exec.ID, leaseToken, outcome)
		if errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrExecutionNotFound) ||
			errors.Is(err, automation.ErrInvalidOutcome) {
			return retry.NewFatalError(err)
		}
		return err
	})
	switch {
	case errors.Is(err, domain.ErrLeaseLost):
		logger.Warn("[DispatchWorker] lease lost before outcome was recorded",
			"execution_id", exec.ID, "outcome", string(outcome.Kind))
	case err != nil:
		logger.Error("[DispatchWorker] failed to record outcome",
			"execution_id", exec.ID, "outcome", string(outcome.Kind), "error", err)
	default:
		logger.Debug("[DispatchWorker] execution processed",
			"execution_id", exec.ID, "status", string(status))
	}
}

// leaseCovers reports whether exec stays leased for a full send attempt.
// Sending past the lease risks a second worker claiming the same row.
func (w *DispatchWorker) leaseCovers(exec *domain.Execution) bool {
	if exec.LeaseExpiresAt == nil {
		return true
	}
	return !w.now().Add(w.cfg.SendTimeout).After(*exec.LeaseExpiresAt)
}

// attempt runs the dispatch-time checks and the send. Store errors are
// transient; missing data and suppression are permanent. It returns false
// without sending when the remaining lease cannot cover the send.
func (w *DispatchWorker) attempt(ctx context.Context, exec *domain.Execution) (domain.Outcome, bool) {
	if !w.leaseCovers(exec) {
		return domain.Outcome{}, false
	}

	contact, err := w.deps.Contacts.GetContact(ctx, exec.OrganizationID, exec.ContactID)
	if errors.Is(err, domain.ErrContactNotFound) {
		return permanent(domain.FailureContactNotFound, err), true
	}
	if err != nil {
		return transient(fmt.Errorf("load contact: %w", err)), true
	}

	email := contact.NormalizedEmail()
	if email == "" {
		email = domain.NormalizeEmail(exec.ContactEmail)
	}
	if email == "" {
		return permanent(domain.FailureContactEmailMissing, errors.New("contact has no email")), true
	}

	suppressed, err := w.deps.Suppressions.IsSuppressed(ctx, exec.OrganizationID, email)
	if err != nil {
		return transient(fmt.Errorf("check suppression: %w", err)), true
	}
	if suppressed {
		return permanent(domain.FailureSuppressed, errors.New("recipient is suppressed")), true
	}

	if _, err := w.deps.Templates.GetTemplate(ctx, exec.OrganizationID, exec.TemplateID); err != nil {
		if errors.Is(err, domain.ErrTemplateNotFound) {
			return permanent(domain.FailureTemplateNotFound, err), true
		}
		return transient(fmt.Errorf("load template: %w", err)), true
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return transient(fmt.Errorf("send rate wait: %w", err)), true
	}
	if !w.leaseCovers(exec) {
		return domain.Outcome{}, false
	}

	msg := &sender.Message{
		ExecutionID:    exec.ID,
		OrganizationID: exec.OrganizationID,
		RuleID:         exec.RuleID,
		TemplateID:     exec.TemplateID,
		To:             email,
		Subject:        exec.EmailSubject,
		Data:           messageData(contact),
	}
	if exec.VariantName != nil {
		msg.Variant = *exec.VariantName
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	res, err := w.deps.Sender.Send(sendCtx, msg)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.ObserveSendDuration(elapsed, "sent")
		logger.Info("[DispatchWorker] sent",
			"execution_id", exec.ID, "email", email, "message_id", res.MessageID)
		return domain.Outcome{Kind: domain.OutcomeSent}, true
	case errors.Is(sendCtx.Err(), context.DeadlineExceeded):
		metrics.ObserveSendDuration(elapsed, "timeout")
		return transient(fmt.Errorf("send timed out after %s: %w", w.cfg.SendTimeout, err)), true
	case retry.IsFatal(err):
		metrics.ObserveSendDuration(elapsed, "permanent")
		return permanent(domain.FailurePermanent, err), true
	default:
		metrics.ObserveSendDuration(elapsed, "transient")
		return transient(err), true
	}
}

func messageData(c *domain.ContactSnapshot) map[string]string {
	data := make(map[string]string, len(c.Fields)+len(c.CustomFields)+1)
	for k, v := range c.CustomFields {
		data[k] = v
	}
	for k, v := range c.Fields {
		data[k] = v
	}
	data["email"] = c.Email
	return data
}

func permanent(reason string, err error) domain.Outcome {
	return domain.Outcome{Kind: domain.OutcomePermanent, Reason: reason, Error: err.Error()}
}

func transient(err error) domain.Outcome {
	return domain.Outcome{Kind: domain.OutcomeTransient, Error: err.Error()}
}
