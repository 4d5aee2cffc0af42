// internal/usecase/review_usecase.go
package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"settlement-service/internal/chains/ethereum"
	"settlement-service/internal/domain"
	"settlement-service/internal/ledger"
	"settlement-service/internal/metrics"
	"settlement-service/internal/repository"

	"go.uber.org/zap"
)

// ReviewUsecase is the operator side of ambiguous outcomes
type ReviewUsecase struct {
	coordinator *ledger.Coordinator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

func NewReviewUsecase(coordinator *ledger.Coordinator, m *metrics.Metrics, logger *zap.Logger) *ReviewUsecase {
	return &ReviewUsecase{
		coordinator: coordinator,
		metrics:     m,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type ResolveReviewInput struct {
	CaseID     string
	Outcome    string
	TxHash     string
	Note       string
	ResolvedBy string
}

func (uc *ReviewUsecase) ListOpen(ctx context.Context, limit int) ([]*domain.ReviewCase, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return uc.coordinator.Reviews(ctx, domain.ReviewStatusOpen, limit)
}

// Resolve applies an operator verdict. "completed" requires proof on chain
// (the tx hash), "failed" refunds the reservation.
func (uc *ReviewUsecase) Resolve(ctx context.Context, in ResolveReviewInput) (*domain.ReviewCase, error) {
	if strings.TrimSpace(in.ResolvedBy) == "" {
		return nil, fmt.Errorf("%w: resolved_by is required", domain.ErrInvalidInput)
	}

	outcome := domain.ReviewOutcome(strings.ToLower(strings.TrimSpace(in.Outcome)))
	switch outcome {
	case domain.ReviewOutcomeCompleted:
		if in.TxHash != "" {
			if err := ethereum.ValidateTxHash(in.TxHash); err != nil {
				return nil, err
			}
		}
	case domain.ReviewOutcomeFailed:
		if strings.TrimSpace(in.Note) == "" {
			return nil, fmt.Errorf("%w: note is required to fail a request", domain.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: outcome must be completed or failed", domain.ErrInvalidInput)
	}

	rc, err := uc.coordinator.ResolveReview(ctx, in.CaseID, repository.ReviewResolution{
		Outcome:    outcome,
		TxHash:     strings.ToLower(in.TxHash),
		ResolvedBy: in.ResolvedBy,
		Note:       in.Note,
	})
	if err != nil {
		return nil, err
	}
	uc.RefreshGauge(ctx)
	return rc, nil
}

// RefreshGauge updates the open review gauge
func (uc *ReviewUsecase) RefreshGauge(ctx context.Context) int {
	open, err := uc.coordinator.Reviews(ctx, domain.ReviewStatusOpen, 10000)
	if err != nil {
		uc.logger.Warn("Failed to count open reviews", zap.Error(err))
		return -1
	}
	uc.metrics.SetOpenReviews(len(open))
	return len(open)
}

// SweepStuck handles requests left in Processing longer than olderThan, for
// example after a crash. Deposits have no chain side effect and go back to
// Pending; withdrawals may have been broadcast and go to review.
func (uc *ReviewUsecase) SweepStuck(ctx context.Context, olderThan time.Duration, limit int) (released, flagged int, err error) {
	cutoff := uc.now().Add(-olderThan)
	needsReview := false

	stuck, err := uc.coordinator.List(ctx, domain.SettlementFilter{
		Status:      domain.SettlementStatusProcessing,
		NeedsReview: &needsReview,
		OlderThan:   &cutoff,
		Limit:       limit,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list stuck requests: %w", err)
	}

	for _, req := range stuck {
		switch req.Direction {
		case domain.DirectionDeposit:
			if err := uc.coordinator.Release(ctx, req, "released after stalling in processing"); err != nil {
				uc.logger.Warn("Failed to release stuck deposit", zap.String("request_id", req.ID), zap.Error(err))
				continue
			}
			released++
		case domain.DirectionWithdraw:
			reason := fmt.Sprintf("stuck in processing since %s", req.UpdatedAt.Format(time.RFC3339))
			if _, err := uc.coordinator.FlagForReview(ctx, req, reason); err != nil {
				continue
			}
			flagged++
		}
	}

	if released > 0 || flagged > 0 {
		uc.logger.Warn("Stuck requests handled",
			zap.Int("released", released),
			zap.Int("flagged", flagged))
	}
	return released, flagged, nil
}
