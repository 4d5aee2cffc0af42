// internal/worker/withdrawal_processor.go
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"settlement-service/internal/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WithdrawalRunner claims and sends Pending withdrawals
type WithdrawalRunner interface {
	PendingIDs(ctx context.Context, limit int) ([]string, error)
	Process(ctx context.Context, requestID string) (*domain.SettlementResult, error)
}

// WithdrawalProcessor drains Pending withdrawals with bounded concurrency.
// New requests can be pushed through Notify; the ticker picks up the rest.
type WithdrawalProcessor struct {
	withdrawals WithdrawalRunner
	interval    time.Duration
	concurrency int
	logger      *zap.Logger

	queue    chan string
	inFlight map[string]struct{}
	mu       sync.Mutex
	stopChan chan struct{}
}

func NewWithdrawalProcessor(
	withdrawals WithdrawalRunner,
	interval time.Duration,
	concurrency int,
	logger *zap.Logger,
) *WithdrawalProcessor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &WithdrawalProcessor{
		withdrawals: withdrawals,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
		queue:       make(chan string, 256),
		inFlight:    make(map[string]struct{}),
		stopChan:    make(chan struct{}),
	}
}

// Notify schedules a request without waiting for the next tick. It never
// blocks; a full queue falls back to polling.
func (wp *WithdrawalProcessor) Notify(requestID string) {
	select {
	case wp.queue <- requestID:
	default:
		wp.logger.Debug("Withdrawal queue full, leaving request to poller", zap.String("request_id", requestID))
	}
}

func (wp *WithdrawalProcessor) Start(ctx context.Context) error {
	wp.logger.Info("Starting withdrawal processor",
		zap.Duration("interval", wp.interval),
		zap.Int("concurrency", wp.concurrency))

	ticker := time.NewTicker(wp.interval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wp.concurrency)
	defer g.Wait()

	for {
		select {
		case id := <-wp.queue:
			wp.dispatch(gctx, g, id)

		case <-ticker.C:
			ids, err := wp.withdrawals.PendingIDs(ctx, wp.concurrency*4)
			if err != nil {
				wp.logger.Error("Failed to list pending withdrawals", zap.Error(err))
				continue
			}
			for _, id := range ids {
				wp.dispatch(gctx, g, id)
			}

		case <-wp.stopChan:
			wp.logger.Info("Stopping withdrawal processor")
			return nil

		case <-ctx.Done():
			wp.logger.Info("Context cancelled, stopping withdrawal processor")
			return nil
		}
	}
}

// dispatch blocks while all slots are busy
func (wp *WithdrawalProcessor) dispatch(ctx context.Context, g *errgroup.Group, id string) {
	wp.mu.Lock()
	if _, busy := wp.inFlight[id]; busy {
		wp.mu.Unlock()
		return
	}
	wp.inFlight[id] = struct{}{}
	wp.mu.Unlock()

	g.Go(func() error {
		defer func() {
			wp.mu.Lock()
			delete(wp.inFlight, id)
			wp.mu.Unlock()
		}()
		wp.process(ctx, id)
		return nil
	})
}

func (wp *WithdrawalProcessor) process(ctx context.Context, id string) {
	res, err := wp.withdrawals.Process(ctx, id)
	switch {
	case err == nil:
		wp.logger.Info("Withdrawal settled",
			zap.String("request_id", id),
			zap.String("tx_hash", res.TxHash))
	case errors.Is(err, domain.ErrClaimConflict):
		// another worker or replica has it
	case errors.Is(err, domain.ErrChainTimeout):
		wp.logger.Warn("Withdrawal awaiting manual review",
			zap.String("request_id", id),
			zap.Error(err))
	default:
		wp.logger.Error("Withdrawal processing failed",
			zap.String("request_id", id),
			zap.Error(err))
	}
}

func (wp *WithdrawalProcessor) Stop() {
	close(wp.stopChan)
}
