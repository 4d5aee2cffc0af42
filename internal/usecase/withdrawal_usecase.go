// internal/usecase/withdrawal_usecase.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"settlement-service/internal/chains/ethereum"
	"settlement-service/internal/domain"
	"settlement-service/internal/ledger"
	"settlement-service/internal/metrics"
	"settlement-service/pkg/utils"

	"go.uber.org/zap"
)

type WithdrawalUsecase struct {
	coordinator *ledger.Coordinator
	executor    TransferExecutor
	gate        RiskGate
	tokens      TokenLookup
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

func NewWithdrawalUsecase(
	coordinator *ledger.Coordinator,
	executor TransferExecutor,
	gate RiskGate,
	tokens TokenLookup,
	m *metrics.Metrics,
	logger *zap.Logger,
) *WithdrawalUsecase {
	return &WithdrawalUsecase{
		coordinator: coordinator,
		executor:    executor,
		gate:        gate,
		tokens:      tokens,
		metrics:     m,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type RequestWithdrawalInput struct {
	UserID  string
	Token   string
	Amount  string // major units, fee included
	Address string
}

// ============================================================================
// INTAKE
// ============================================================================

// RequestWithdrawal validates, runs the risk gate and reserves the amount.
// Nothing touches the ledger unless every check passes.
func (uc *WithdrawalUsecase) RequestWithdrawal(ctx context.Context, in RequestWithdrawalInput) (*domain.SettlementRequest, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	address, err := ethereum.NormalizeAddress(strings.TrimSpace(in.Address))
	if err != nil {
		return nil, err
	}

	token, err := uc.tokens.Get(in.Token)
	if err != nil {
		return nil, err
	}
	amount, err := utils.ParseAmount(in.Amount, token.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if token.MinWithdrawal != nil && amount.Cmp(token.MinWithdrawal) < 0 {
		return nil, fmt.Errorf("%w: minimum withdrawal is %s", domain.ErrInvalidInput,
			utils.FormatBalance(token.MinWithdrawal, token.Decimals, token.Symbol))
	}
	if token.WithdrawFee != nil && amount.Cmp(token.WithdrawFee) <= 0 {
		return nil, fmt.Errorf("%w: amount must exceed the fee of %s", domain.ErrInvalidInput,
			utils.FormatBalance(token.WithdrawFee, token.Decimals, token.Symbol))
	}

	activity, err := uc.withdrawalActivity(ctx, in.UserID, token)
	if err != nil {
		return nil, err
	}

	if _, err := uc.gate.CheckWithdrawal(ctx, in.UserID, utils.ToMajorUnits(amount, token.Decimals), activity); err != nil {
		var denied *domain.RiskDeniedError
		if errors.As(err, &denied) {
			uc.metrics.RiskDenied(string(domain.DirectionWithdraw), riskKindLabel(denied.Kind))
		}
		return nil, err
	}

	fee := token.WithdrawFee
	if fee == nil {
		fee = big.NewInt(0)
	}
	req := &domain.SettlementRequest{
		UserID:    in.UserID,
		Direction: domain.DirectionWithdraw,
		Token:     token.Symbol,
		Amount:    amount,
		Fee:       fee,
		Address:   address,
	}
	if err := uc.coordinator.Create(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// ============================================================================
// EXECUTION
// ============================================================================

// Process claims a Pending withdrawal and sends it. The caller's context only
// bounds how long it waits; ledger bookkeeping after a broadcast always runs.
func (uc *WithdrawalUsecase) Process(ctx context.Context, requestID string) (*domain.SettlementResult, error) {
	ctx = context.WithoutCancel(ctx)

	req, err := uc.coordinator.Claim(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Direction != domain.DirectionWithdraw {
		if relErr := uc.coordinator.Release(ctx, req, "not a withdrawal"); relErr != nil {
			uc.logger.Error("Failed to release non-withdrawal claim",
				zap.String("request_id", req.ID),
				zap.Error(relErr))
		}
		return nil, fmt.Errorf("%w: request %s is not a withdrawal", domain.ErrInvalidInput, requestID)
	}

	// A hash from an earlier attempt means a transfer may exist. Never send again.
	if req.ChainTxHash != nil {
		reason := "claimed with existing tx hash " + req.TxHash()
		if _, err := uc.coordinator.FlagForReview(ctx, req, reason); err != nil {
			return nil, err
		}
		return uc.processing(req), &domain.ChainTimeoutError{TxHash: req.TxHash(), Waited: "unknown"}
	}

	token, err := uc.tokens.Get(req.Token)
	if err != nil {
		if failErr := uc.coordinator.Fail(ctx, req, err.Error()); failErr != nil {
			uc.logger.Error("Failed to fail withdrawal for unknown token",
				zap.String("request_id", req.ID),
				zap.String("token", req.Token),
				zap.Error(failErr))
		}
		return nil, err
	}

	started := uc.now()
	receipt, err := uc.executor.Execute(ctx, &domain.TransferRequest{
		RequestID: req.ID,
		Token:     token,
		To:        req.Address,
		Amount:    req.NetAmount(),
	}, func(ctx context.Context, txHash string) error {
		return uc.coordinator.AttachTxHash(ctx, req, txHash)
	})

	var (
		dispatchErr *domain.DispatchError
		timeoutErr  *domain.ChainTimeoutError
	)
	switch {
	case err == nil:
	case errors.As(err, &dispatchErr):
		if failErr := uc.coordinator.Fail(ctx, req, dispatchErr.Error()); failErr != nil {
			return nil, failErr
		}
		return nil, err
	case errors.As(err, &timeoutErr):
		if _, reviewErr := uc.coordinator.FlagForReview(ctx, req, timeoutErr.Error()); reviewErr != nil {
			uc.logger.Error("Withdrawal outcome unknown and review could not be opened",
				zap.String("request_id", req.ID),
				zap.String("tx_hash", timeoutErr.TxHash),
				zap.Error(reviewErr))
		}
		return uc.processing(req), err
	default:
		// nothing was broadcast
		uc.logger.Warn("Withdrawal not sent, releasing for retry",
			zap.String("request_id", req.ID),
			zap.Error(err))
		if relErr := uc.coordinator.Release(ctx, req, err.Error()); relErr != nil {
			uc.logger.Error("Failed to release withdrawal",
				zap.String("request_id", req.ID),
				zap.Error(relErr))
		}
		return nil, err
	}

	uc.metrics.ObserveFinality(uc.now().Sub(started).Seconds())

	if _, err := uc.coordinator.CompleteWithdraw(ctx, req, receipt.TxHash); err != nil {
		return uc.processing(req), err
	}

	return &domain.SettlementResult{
		RequestID: req.ID,
		Status:    string(domain.SettlementStatusCompleted),
		TxHash:    receipt.TxHash,
		Amount:    req.Amount,
		Fee:       req.Fee,
	}, nil
}

// withdrawalActivity loads usage for the current UTC day and month
func (uc *WithdrawalUsecase) withdrawalActivity(ctx context.Context, userID string, token *domain.Token) (domain.WithdrawalActivity, error) {
	now := uc.now()
	today, err := uc.coordinator.WithdrawalUsage(ctx, userID, token.Symbol, startOfDay(now))
	if err != nil {
		return domain.WithdrawalActivity{}, fmt.Errorf("failed to load daily withdrawal usage: %w", err)
	}
	month, err := uc.coordinator.WithdrawalUsage(ctx, userID, token.Symbol, startOfMonth(now))
	if err != nil {
		return domain.WithdrawalActivity{}, fmt.Errorf("failed to load monthly withdrawal usage: %w", err)
	}
	return domain.WithdrawalActivity{
		TodayCount:  today.Count,
		TodayVolume: utils.ToMajorUnits(today.Volume, token.Decimals),
		MonthVolume: utils.ToMajorUnits(month.Volume, token.Decimals),
	}, nil
}

// PendingIDs lists Pending withdrawals oldest first
func (uc *WithdrawalUsecase) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	reqs, err := uc.coordinator.List(ctx, domain.SettlementFilter{
		Direction: domain.DirectionWithdraw,
		Status:    domain.SettlementStatusPending,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (uc *WithdrawalUsecase) processing(req *domain.SettlementRequest) *domain.SettlementResult {
	return &domain.SettlementResult{
		RequestID: req.ID,
		Status:    string(domain.SettlementStatusProcessing),
		TxHash:    req.TxHash(),
		Amount:    req.Amount,
		Fee:       req.Fee,
	}
}
