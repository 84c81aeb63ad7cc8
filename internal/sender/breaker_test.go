package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/pkg/retry"
)

type scriptedSender struct {
	calls int
	err   error
}

func (s *scriptedSender) Send(_ context.Context, _ *Message) (*Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Result{MessageID: "m-1", SentAt: time.Now()}, nil
}

func testBreakerConfig(name string) BreakerConfig {
	cfg := DefaultBreakerConfig(name)
	cfg.MinRequests = 3
	cfg.Timeout = time.Hour
	return cfg
}

func TestBreakerSender_OpensOnTransientFailures(t *testing.T) {
	next := &scriptedSender{err: retry.NewRetryableError(errors.New("timeout"))}
	b := NewBreakerSender(next, testBreakerConfig("test-transient"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Send(ctx, testMessage())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Send(ctx, testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, retry.IsFatal(err), "an open breaker reschedules the execution")
	assert.Equal(t, 3, next.calls, "open breaker does not reach the transport")
}

func TestBreakerSender_FatalErrorsDoNotTrip(t *testing.T) {
	next := &scriptedSender{err: retry.NewFatalError(errors.New("rejected"))}
	b := NewBreakerSender(next, testBreakerConfig("test-fatal"))

	for i := 0; i < 10; i++ {
		_, err := b.Send(context.Background(), testMessage())
		require.Error(t, err)
		assert.True(t, retry.IsFatal(err))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 10, next.calls)
}

func TestBreakerSender_PassesResult(t *testing.T) {
	b := NewBreakerSender(&scriptedSender{}, testBreakerConfig("test-ok"))
	res, err := b.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.MessageID)
}
