// internal/worker/review_reporter.go
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReviewSweeper reports open reviews and catches requests stuck in Processing
type ReviewSweeper interface {
	RefreshGauge(ctx context.Context) int
	SweepStuck(ctx context.Context, olderThan time.Duration, limit int) (released, flagged int, err error)
}

type ReviewReporter struct {
	reviews    ReviewSweeper
	interval   time.Duration
	stuckAfter time.Duration
	logger     *zap.Logger
	stopChan   chan struct{}
}

func NewReviewReporter(reviews ReviewSweeper, interval, stuckAfter time.Duration, logger *zap.Logger) *ReviewReporter {
	if interval <= 0 {
		interval = time.Minute
	}
	if stuckAfter <= 0 {
		stuckAfter = 10 * time.Minute
	}
	return &ReviewReporter{
		reviews:    reviews,
		interval:   interval,
		stuckAfter: stuckAfter,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

func (rr *ReviewReporter) Start(ctx context.Context) error {
	rr.logger.Info("Starting review reporter", zap.Duration("stuck_after", rr.stuckAfter))

	ticker := time.NewTicker(rr.interval)
	defer ticker.Stop()

	rr.runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			rr.runOnce(ctx)
		case <-rr.stopChan:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (rr *ReviewReporter) runOnce(ctx context.Context) {
	if _, _, err := rr.reviews.SweepStuck(ctx, rr.stuckAfter, 100); err != nil {
		rr.logger.Error("Failed to sweep stuck requests", zap.Error(err))
	}
	if open := rr.reviews.RefreshGauge(ctx); open > 0 {
		rr.logger.Warn("Settlements awaiting manual review", zap.Int("open_reviews", open))
	}
}

func (rr *ReviewReporter) Stop() {
	close(rr.stopChan)
}
