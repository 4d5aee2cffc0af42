// internal/worker/deposit_monitor.go
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DepositRetrier re-verifies deferred deposits
type DepositRetrier interface {
	RetryPending(ctx context.Context, limit int) (int, error)
}

type DepositMonitor struct {
	deposits  DepositRetrier
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	stopChan  chan struct{}
}

func NewDepositMonitor(
	deposits DepositRetrier,
	interval time.Duration,
	batchSize int,
	logger *zap.Logger,
) *DepositMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &DepositMonitor{
		deposits:  deposits,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start runs until ctx is cancelled or Stop is called
func (dm *DepositMonitor) Start(ctx context.Context) error {
	dm.logger.Info("Starting deposit monitor worker", zap.Duration("interval", dm.interval))

	ticker := time.NewTicker(dm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dm.runOnce(ctx)

		case <-dm.stopChan:
			dm.logger.Info("Stopping deposit monitor worker")
			return nil

		case <-ctx.Done():
			dm.logger.Info("Context cancelled, stopping deposit monitor")
			return nil
		}
	}
}

func (dm *DepositMonitor) runOnce(ctx context.Context) {
	attempted, err := dm.deposits.RetryPending(ctx, dm.batchSize)
	if err != nil {
		dm.logger.Error("Failed to retry pending deposits", zap.Error(err))
		return
	}
	if attempted > 0 {
		dm.logger.Debug("Pending deposits retried", zap.Int("attempted", attempted))
	}
}

// Stop stops the deposit monitor
func (dm *DepositMonitor) Stop() {
	close(dm.stopChan)
}
