// internal/usecase/deposit_usecase.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"settlement-service/internal/chains/ethereum"
	"settlement-service/internal/domain"
	"settlement-service/internal/ledger"
	"settlement-service/internal/metrics"
	"settlement-service/internal/verifier"
	"settlement-service/pkg/utils"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type DepositConfig struct {
	CustodialAddress string
	ScanDepth        uint64        // blocks searched back from head
	LocateAttempts   uint64        // inline attempts before deferring to the monitor
	LocateBackoff    time.Duration // first inline retry interval
	Expiry           time.Duration // pending deposits older than this fail
	RetryBase        time.Duration // monitor spacing, doubled per attempt
	RetryMax         time.Duration
}

func (c *DepositConfig) withDefaults() {
	if c.ScanDepth == 0 {
		c.ScanDepth = 100
	}
	if c.LocateAttempts == 0 {
		c.LocateAttempts = 3
	}
	if c.LocateBackoff <= 0 {
		c.LocateBackoff = 500 * time.Millisecond
	}
	if c.Expiry <= 0 {
		c.Expiry = 24 * time.Hour
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Minute
	}
}

type DepositUsecase struct {
	coordinator *ledger.Coordinator
	observer    ChainObserver
	gate        RiskGate
	tokens      TokenLookup
	metrics     *metrics.Metrics
	cfg         DepositConfig
	logger      *zap.Logger
	now         func() time.Time
}

func NewDepositUsecase(
	coordinator *ledger.Coordinator,
	observer ChainObserver,
	gate RiskGate,
	tokens TokenLookup,
	m *metrics.Metrics,
	cfg DepositConfig,
	logger *zap.Logger,
) *DepositUsecase {
	cfg.withDefaults()
	return &DepositUsecase{
		coordinator: coordinator,
		observer:    observer,
		gate:        gate,
		tokens:      tokens,
		metrics:     m,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type VerifyDepositInput struct {
	UserID         string
	TxHash         string
	Token          string
	ExpectedAmount string // major units
}

// ============================================================================
// DEPOSIT VERIFICATION
// ============================================================================

// VerifyDeposit credits a deposit once its transaction is finalized and
// matches. A retryable *domain.VerificationError leaves the request Pending
// for the monitor; the returned request is valid in that case too.
func (uc *DepositUsecase) VerifyDeposit(ctx context.Context, in VerifyDepositInput) (*domain.SettlementRequest, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	if err := ethereum.ValidateTxHash(in.TxHash); err != nil {
		return nil, err
	}
	txHash := strings.ToLower(in.TxHash)

	token, err := uc.tokens.Get(in.Token)
	if err != nil {
		return nil, err
	}
	amount, err := utils.ParseAmount(in.ExpectedAmount, token.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}

	existing, err := uc.coordinator.GetByTxHash(ctx, txHash)
	switch {
	case err == nil:
		return uc.resume(ctx, existing, in.UserID)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to check tx hash: %w", err)
	}

	if _, err := uc.gate.CheckDeposit(ctx, in.UserID); err != nil {
		uc.riskDenied(err)
		return nil, err
	}

	req := &domain.SettlementRequest{
		UserID:      in.UserID,
		Direction:   domain.DirectionDeposit,
		Token:       token.Symbol,
		Amount:      amount,
		ChainTxHash: &txHash,
	}
	if err := uc.coordinator.Create(ctx, req); err != nil {
		return nil, err
	}

	return uc.attempt(ctx, req.ID, token)
}

// resume handles a tx hash that already has a request
func (uc *DepositUsecase) resume(ctx context.Context, existing *domain.SettlementRequest, userID string) (*domain.SettlementRequest, error) {
	if existing.UserID != userID || existing.Status == domain.SettlementStatusCompleted {
		return existing, fmt.Errorf("%w: tx %s", domain.ErrAlreadyProcessed, existing.TxHash())
	}
	if existing.Status == domain.SettlementStatusProcessing {
		return existing, fmt.Errorf("%w: verification in progress", domain.ErrClaimConflict)
	}

	token, err := uc.tokens.Get(existing.Token)
	if err != nil {
		return nil, err
	}
	return uc.attempt(ctx, existing.ID, token)
}

// attempt claims a Pending deposit and runs one verification round. Chain
// reads follow ctx; ledger writes after the claim do not.
func (uc *DepositUsecase) attempt(ctx context.Context, requestID string, token *domain.Token) (*domain.SettlementRequest, error) {
	bookCtx := context.WithoutCancel(ctx)

	req, err := uc.coordinator.Claim(bookCtx, requestID)
	if err != nil {
		return nil, err
	}
	txHash := req.TxHash()

	obs, err := uc.locate(ctx, txHash)
	if err != nil {
		return uc.postpone(bookCtx, req, &domain.VerificationError{Reason: domain.ReasonChainUnavailable, Detail: err.Error()})
	}

	finalized, err := uc.observer.FinalizedNumber(ctx)
	if err != nil {
		return uc.postpone(bookCtx, req, &domain.VerificationError{Reason: domain.ReasonChainUnavailable, Detail: err.Error()})
	}

	result, err := verifier.Validate(obs, verifier.Expectation{
		Token:     token,
		Amount:    req.Amount,
		Recipient: uc.cfg.CustodialAddress,
	}, finalized)
	if err != nil {
		if domain.IsRetryableVerification(err) {
			return uc.postpone(bookCtx, req, err)
		}
		uc.logger.Warn("Deposit rejected",
			zap.String("request_id", req.ID),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		if failErr := uc.coordinator.Fail(bookCtx, req, err.Error()); failErr != nil {
			return nil, failErr
		}
		return req, err
	}

	if _, err := uc.coordinator.CompleteDeposit(bookCtx, req, result.ActualAmount, txHash); err != nil {
		return nil, err
	}

	uc.logger.Info("Deposit verified",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("from", result.From),
		zap.Uint64("block", result.BlockNumber),
		zap.String("amount", utils.FormatBalance(result.ActualAmount, token.Decimals, token.Symbol)))
	return req, nil
}

// locate retries transient RPC errors and "not included yet" a few times
func (uc *DepositUsecase) locate(ctx context.Context, txHash string) (*domain.ChainTransferObservation, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.cfg.LocateBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uc.cfg.LocateAttempts-1), ctx)

	var obs *domain.ChainTransferObservation
	var lastErr error
	op := func() error {
		found, err := uc.observer.Locate(ctx, txHash, uc.cfg.ScanDepth)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidInput) {
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		lastErr = nil
		obs = found
		if found == nil {
			return errNotIncluded
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil && !errors.Is(err, errNotIncluded) {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return obs, nil
}

var errNotIncluded = errors.New("not included yet")

// postpone puts the request back to Pending for the monitor
func (uc *DepositUsecase) postpone(ctx context.Context, req *domain.SettlementRequest, verr error) (*domain.SettlementRequest, error) {
	var ve *domain.VerificationError
	if errors.As(verr, &ve) {
		uc.metrics.VerificationDeferred(string(ve.Reason))
	}

	if err := uc.coordinator.Release(ctx, req, verr.Error()); err != nil {
		uc.logger.Error("Failed to release deposit for retry",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return nil, err
	}
	req.Status = domain.SettlementStatusPending

	uc.logger.Info("Deposit verification deferred",
		zap.String("request_id", req.ID),
		zap.String("tx_hash", req.TxHash()),
		zap.Int("attempt", req.Attempts),
		zap.Error(verr))
	return req, verr
}

// ============================================================================
// RETRY MONITOR
// ============================================================================

// RetryPending re-verifies Pending deposits whose backoff elapsed and fails
// those past the expiry. It returns how many were attempted.
func (uc *DepositUsecase) RetryPending(ctx context.Context, limit int) (int, error) {
	pending, err := uc.coordinator.List(ctx, domain.SettlementFilter{
		Direction: domain.DirectionDeposit,
		Status:    domain.SettlementStatusPending,
		Limit:     limit,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending deposits: %w", err)
	}

	now := uc.now()
	attempted := 0
	for _, req := range pending {
		if ctx.Err() != nil {
			break
		}

		if now.Sub(req.CreatedAt) > uc.cfg.Expiry {
			uc.expire(ctx, req)
			continue
		}
		if !uc.due(req, now) {
			continue
		}

		token, err := uc.tokens.Get(req.Token)
		if err != nil {
			uc.logger.Error("Pending deposit has unknown token",
				zap.String("request_id", req.ID),
				zap.String("token", req.Token))
			continue
		}

		attempted++
		if _, err := uc.attempt(ctx, req.ID, token); err != nil && !domain.IsRetryableVerification(err) && !errors.Is(err, domain.ErrClaimConflict) {
			uc.logger.Warn("Deposit retry finished with error",
				zap.String("request_id", req.ID),
				zap.Error(err))
		}
	}
	return attempted, nil
}

// due applies exponential spacing based on previous attempts
func (uc *DepositUsecase) due(req *domain.SettlementRequest, now time.Time) bool {
	if req.Attempts == 0 {
		return true
	}
	wait := uc.cfg.RetryBase
	for i := 1; i < req.Attempts && wait < uc.cfg.RetryMax; i++ {
		wait *= 2
	}
	if wait > uc.cfg.RetryMax {
		wait = uc.cfg.RetryMax
	}
	return !now.Before(req.UpdatedAt.Add(wait))
}

func (uc *DepositUsecase) expire(ctx context.Context, req *domain.SettlementRequest) {
	claimed, err := uc.coordinator.Claim(ctx, req.ID)
	if err != nil {
		return
	}
	if err := uc.coordinator.Fail(ctx, claimed, "expired"); err != nil {
		uc.logger.Error("Failed to expire deposit",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return
	}
	uc.logger.Info("Deposit expired unverified",
		zap.String("request_id", req.ID),
		zap.String("tx_hash", req.TxHash()),
		zap.Time("created_at", req.CreatedAt))
}

func (uc *DepositUsecase) riskDenied(err error) {
	var denied *domain.RiskDeniedError
	if errors.As(err, &denied) {
		uc.metrics.RiskDenied(string(domain.DirectionDeposit), riskKindLabel(denied.Kind))
	}
}
