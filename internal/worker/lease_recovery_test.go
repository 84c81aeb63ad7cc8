package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/distlock"
)

func TestLeaseRecovery_ReleasesExpiredLeases(t *testing.T) {
	f := newWorkerFixture(t, DispatchConfig{})
	f.schedule(t, "e-1", "c-1")

	now := time.Now()
	f.disp.SetClock(func() time.Time { return now })
	claim, err := f.disp.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claim.Executions, 1)

	now = now.Add(2 * time.Minute)
	lr := NewLeaseRecoveryWorker(f.disp, nil, time.Minute)
	ran, err := lr.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	e := f.execution(t, "e-1")
	assert.Equal(t, domain.ExecutionScheduled, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Empty(t, e.LeaseToken)

	_, err = f.disp.ReportOutcome(context.Background(), "e-1", claim.LeaseToken, domain.Outcome{Kind: domain.OutcomeSent})
	assert.ErrorIs(t, err, domain.ErrLeaseLost, "the stale lease holder cannot complete")
}

func TestLeaseRecovery_SkipsWhenLockHeld(t *testing.T) {
	f := newWorkerFixture(t, DispatchConfig{})

	holder := distlock.NewLocalLock("lease-recovery-test")
	ok, _ := holder.Acquire(context.Background())
	require.True(t, ok)
	defer holder.Release(context.Background())

	lr := NewLeaseRecoveryWorker(f.disp, distlock.NewLocalLock("lease-recovery-test"), time.Minute)
	ran, err := lr.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}
