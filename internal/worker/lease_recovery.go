package worker

import (
	"context"
	"time"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/pkg/distlock"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

const (
	// DefaultRecoveryInterval is how often expired leases are swept.
	DefaultRecoveryInterval = time.Minute

	// LeaseRecoveryLockKey serializes sweeps across replicas.
	LeaseRecoveryLockKey = "lease-recovery"
)

// LeaseRecoveryWorker returns executions whose dispatcher lease lapsed,
// for example after a worker crash, to scheduled. Executions that used
// their retry budget are failed with lease_expired instead.
type LeaseRecoveryWorker struct {
	dispatcher *automation.Dispatcher
	lock       distlock.DistLock
	interval   time.Duration
}

// NewLeaseRecoveryWorker creates a sweeper. lock may be nil for a single
// replica.
func NewLeaseRecoveryWorker(d *automation.Dispatcher, lock distlock.DistLock, interval time.Duration) *LeaseRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if lock == nil {
		lock = distlock.NewLocalLock(LeaseRecoveryLockKey)
	}
	return &LeaseRecoveryWorker{dispatcher: d, lock: lock, interval: interval}
}

// Start sweeps until ctx is cancelled.
func (lr *LeaseRecoveryWorker) Start(ctx context.Context) {
	logger.Info("[LeaseRecovery] starting", "interval", lr.interval.String())

	ticker := time.NewTicker(lr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[LeaseRecovery] stopping")
			return
		case <-ticker.C:
			if _, err := lr.RunOnce(ctx); err != nil {
				logger.Error("[LeaseRecovery] sweep failed", "error", err)
			}
		}
	}
}

// RunOnce sweeps once if no other replica is sweeping. It reports whether
// this call did the sweep.
func (lr *LeaseRecoveryWorker) RunOnce(ctx context.Context) (bool, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return distlock.WithLock(sweepCtx, lr.lock, func(ctx context.Context) error {
		_, _, err := lr.dispatcher.ReleaseExpiredLeases(ctx)
		return err
	})
}
