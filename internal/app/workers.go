package app

import (
	"context"
	"sync"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/config"
	"github.com/EcrTech/insync-automation/internal/pkg/distlock"
	"github.com/EcrTech/insync-automation/internal/sender"
	"github.com/EcrTech/insync-automation/internal/service/suppression"
	"github.com/EcrTech/insync-automation/internal/worker"
)

// StartWorkers runs the dispatch worker and the lease sweeper until ctx is
// cancelled. Wait on the returned group for them to drain.
func StartWorkers(ctx context.Context, cfg config.AutomationConfig, s *Stores, d *automation.Dispatcher, snd sender.Sender) *sync.WaitGroup {
	dispatch := worker.NewDispatchWorker(worker.DispatchDeps{
		Dispatcher:   d,
		Contacts:     s.Contacts,
		Templates:    s.Templates,
		Suppressions: suppression.NewService(s.Suppression),
		Sender:       snd,
	}, worker.DispatchConfig{
		PollInterval: cfg.PollInterval(),
		BatchSize:    cfg.ClaimBatchSize,
		Concurrency:  cfg.DispatchConcurrency,
		SendTimeout:  cfg.SendTimeout(),
		SendRate:     cfg.SendRatePerSecond,
	})

	interval := cfg.LeaseRecoveryInterval()
	lock := distlock.NewLock(s.Redis, s.DB, worker.LeaseRecoveryLockKey, 2*interval)
	recovery := worker.NewLeaseRecoveryWorker(d, lock, interval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatch.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		recovery.Start(ctx)
	}()
	return &wg
}
