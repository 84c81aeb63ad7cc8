package intake

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
)

type fakeEngine struct {
	got []*domain.TriggerEvent
	err error
	res *automation.IntakeResult
}

func (f *fakeEngine) HandleEvent(_ context.Context, ev *domain.TriggerEvent) (*automation.IntakeResult, error) {
	f.got = append(f.got, ev)
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &automation.IntakeResult{EventID: ev.ID, Matched: 1, Scheduled: 1}, nil
}

const stageEventJSON = `{
	"id": "evt-1",
	"organization_id": "org-1",
	"contact_id": "c-1",
	"type": "stage_change",
	"occurred_at": "2026-03-10T14:30:00Z",
	"payload": {"from_stage": "new", "to_stage": "won"}
}`

func TestEventHandler_DecodesAndDispatches(t *testing.T) {
	eng := &fakeEngine{}
	err := NewEventHandler(eng).Handle(context.Background(), []byte(stageEventJSON))
	require.NoError(t, err)

	require.Len(t, eng.got, 1)
	ev := eng.got[0]
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, domain.StageChangePayload{FromStage: "new", ToStage: "won"}, ev.Payload)
}

func TestEventHandler_Malformed(t *testing.T) {
	err := NewEventHandler(&fakeEngine{}).Handle(context.Background(), []byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEventHandler_InvalidEventIsMalformed(t *testing.T) {
	eng := &fakeEngine{err: fmt.Errorf("%w: contact_id is required", automation.ErrInvalidEvent)}
	err := NewEventHandler(eng).Handle(context.Background(), []byte(stageEventJSON))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEventHandler_InfraErrorIsRetried(t *testing.T) {
	eng := &fakeEngine{err: errors.New("load rules: connection reset")}
	err := NewEventHandler(eng).Handle(context.Background(), []byte(stageEventJSON))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestEventHandler_PartialRuleErrorsAreRetried(t *testing.T) {
	eng := &fakeEngine{res: &automation.IntakeResult{EventID: "evt-1", Matched: 3, Scheduled: 2, Errors: 1}}
	err := NewEventHandler(eng).Handle(context.Background(), []byte(stageEventJSON))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "1 of 3 matched rules failed")
}
