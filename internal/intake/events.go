package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
	"github.com/EcrTech/insync-automation/internal/pkg/retry"
)

// EventEngine is the engine entry point used by the event handler.
type EventEngine interface {
	HandleEvent(ctx context.Context, ev *domain.TriggerEvent) (*automation.IntakeResult, error)
}

// EventHandler decodes CRM trigger events and runs them through the engine.
// Infrastructure errors leave the message for redelivery; the ledger makes
// the retry idempotent.
type EventHandler struct {
	engine EventEngine
}

func NewEventHandler(engine EventEngine) *EventHandler {
	return &EventHandler{engine: engine}
}

func (h *EventHandler) Handle(ctx context.Context, body []byte) error {
	var ev domain.TriggerEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res, err := h.engine.HandleEvent(ctx, &ev)
	if errors.Is(err, automation.ErrInvalidEvent) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err != nil {
		return err
	}
	if res.Errors > 0 {
		// Some rules hit store errors; redelivery retries them while the
		// ledger skips the ones already scheduled.
		return retry.NewRetryableError(fmt.Errorf("event %s: %d of %d matched rules failed",
			ev.ID, res.Errors, res.Matched))
	}
	if res.Matched > 0 {
		logger.Info("[Intake] event processed",
			"event_id", ev.ID, "org_id", ev.OrganizationID, "trigger_type", string(ev.Type),
			"matched", res.Matched, "scheduled", res.Scheduled, "duplicates", res.Duplicates)
	}
	return nil
}
