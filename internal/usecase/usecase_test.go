package usecase

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/chains"
	"settlement-service/internal/domain"
	"settlement-service/internal/ledger"
	"settlement-service/internal/repository/memory"
	"settlement-service/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	custodial = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	payout    = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	usdcAddr  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func txHash(n byte) string {
	return "0x" + strings.Repeat(string("0123456789abcdef"[n%16]), 64)
}

// ============================================================================
// fakes
// ============================================================================

type fakeObserver struct {
	mu        sync.Mutex
	obs       map[string]*domain.ChainTransferObservation
	finalized uint64
	err       error
	onLocate  func()
}

func (f *fakeObserver) Locate(ctx context.Context, hash string, maxBlocksBack uint64) (*domain.ChainTransferObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onLocate != nil {
		f.onLocate()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.obs[hash], nil
}

func (f *fakeObserver) FinalizedNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized, nil
}

func (f *fakeObserver) setFinalized(n uint64) {
	f.mu.Lock()
	f.finalized = n
	f.mu.Unlock()
}

type fakeExecutor struct {
	calls    []*domain.TransferRequest
	signHash string
	receipt  *domain.TransferReceipt
	err      error
}

func (f *fakeExecutor) Execute(ctx context.Context, req *domain.TransferRequest, onSigned func(ctx context.Context, txHash string) error) (*domain.TransferReceipt, error) {
	f.calls = append(f.calls, req)
	if f.signHash != "" {
		if err := onSigned(ctx, f.signHash); err != nil {
			return nil, err
		}
	}
	return f.receipt, f.err
}

// cancelAwareStore fails writes made with a cancelled context, as pgx does
type cancelAwareStore struct {
	*memory.Store
}

func (s cancelAwareStore) ReleaseRequest(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.ReleaseRequest(ctx, id, reason)
}

type env struct {
	store       *memory.Store
	coordinator *ledger.Coordinator
	tokens      *chains.Registry
	gate        *risk.Gate
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	registry := chains.NewRegistry()

	eth, err := chains.NewToken(chains.TokenSpec{Symbol: "ETH", Kind: domain.TokenKindNative, Decimals: 18})
	require.NoError(t, err)
	usdc, err := chains.NewToken(chains.TokenSpec{
		Symbol:        "USDC",
		Kind:          domain.TokenKindAsset,
		Contract:      usdcAddr,
		Decimals:      6,
		WithdrawFee:   "1",
		MinWithdrawal: "10",
	})
	require.NoError(t, err)
	registry.Register(eth)
	registry.Register(usdc)

	return &env{
		store:       store,
		coordinator: ledger.NewCoordinator(store, nil, nil, zap.NewNop()),
		tokens:      registry,
		gate:        risk.NewGate(risk.NewEngine(), store, zap.NewNop()),
	}
}

func (e *env) balance(t *testing.T, user, token string) (available, reserved string) {
	t.Helper()
	bal, err := e.store.GetBalance(context.Background(), user, token)
	require.NoError(t, err)
	return bal.Available.String(), bal.Reserved.String()
}

func units(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}

// ============================================================================
// deposits
// ============================================================================

func newDepositUsecase(e *env, obs *fakeObserver) *DepositUsecase {
	return NewDepositUsecase(e.coordinator, obs, e.gate, e.tokens, nil, DepositConfig{
		CustodialAddress: custodial,
		LocateAttempts:   1,
		LocateBackoff:    time.Millisecond,
	}, zap.NewNop())
}

func nativeDeposit(hash string, block uint64, to, amount string) *domain.ChainTransferObservation {
	return &domain.ChainTransferObservation{
		TxHash:      hash,
		BlockNumber: block,
		Sender:      payout,
		Success:     true,
		Transfers: []domain.TransferEvent{{
			Kind:   domain.TokenKindNative,
			From:   payout,
			To:     to,
			Amount: units(amount),
		}},
	}
}

func TestVerifyDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("should credit a finalized deposit", func(t *testing.T) {
		e := newEnv(t)
		hash := txHash(1)
		obs := &fakeObserver{
			obs:       map[string]*domain.ChainTransferObservation{hash: nativeDeposit(hash, 100, custodial, "1500000000000000000")},
			finalized: 110,
		}
		uc := newDepositUsecase(e, obs)

		req, err := uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: hash, Token: "eth", ExpectedAmount: "1.5"})
		require.NoError(t, err)

		stored, err := e.coordinator.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusCompleted, stored.Status)

		available, reserved := e.balance(t, "u1", "ETH")
		assert.Equal(t, "1500000000000000000", available)
		assert.Equal(t, "0", reserved)
	})

	t.Run("should reject a hash that was already credited", func(t *testing.T) {
		e := newEnv(t)
		hash := txHash(2)
		obs := &fakeObserver{
			obs:       map[string]*domain.ChainTransferObservation{hash: nativeDeposit(hash, 100, custodial, "1000000000000000000")},
			finalized: 100,
		}
		uc := newDepositUsecase(e, obs)

		_, err := uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: hash, Token: "ETH", ExpectedAmount: "1"})
		require.NoError(t, err)

		_, err = uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: hash, Token: "ETH", ExpectedAmount: "1"})
		assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

		_, err = uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u2", TxHash: hash, Token: "ETH", ExpectedAmount: "1"})
		assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

		available, _ := e.balance(t, "u1", "ETH")
		assert.Equal(t, "1000000000000000000", available)
	})

	t.Run("should keep an unfinalized deposit pending and credit it later", func(t *testing.T) {
		e := newEnv(t)
		hash := txHash(3)
		obs := &fakeObserver{
			obs:       map[string]*domain.ChainTransferObservation{hash: nativeDeposit(hash, 120, custodial, "2000000000000000000")},
			finalized: 110,
		}
		uc := newDepositUsecase(e, obs)

		req, err := uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: hash, Token: "ETH", ExpectedAmount: "2"})
		require.Error(t, err)
		assert.True(t, domain.IsRetryableVerification(err))
		require.NotNil(t, req)
		assert.Equal(t, domain.SettlementStatusPending, req.Status)

		available, _ := e.balance(t, "u1", "ETH")
		assert.Equal(t, "0", available)

		// backoff not elapsed yet
		attempted, err := uc.RetryPending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, attempted)

		obs.setFinalized(130)
		uc.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
		attempted, err = uc.RetryPending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, attempted)

		stored, err := e.coordinator.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusCompleted, stored.Status)
		available, _ = e.balance(t, "u1", "ETH")
		assert.Equal(t, "2000000000000000000", available)
	})

	t.Run("should fail a deposit sent elsewhere", func(t *testing.T) {
		e := newEnv(t)
		hash := txHash(4)
		obs := &fakeObserver{
			obs:       map[string]*domain.ChainTransferObservation{hash: nativeDeposit(hash, 100, payout, "1000000000000000000")},
			finalized: 100,
		}
		uc := newDepositUsecase(e, obs)

		req, err := uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: hash, Token: "ETH", ExpectedAmount: "1"})
		var verr *domain.VerificationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, domain.ReasonRecipientMismatch, verr.Reason)

		stored, err := e.coordinator.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusFailed, stored.Status)
	})

	t.Run("should defer when the chain is unreachable", func(t *testing.T) {
		e := newEnv(t)
		obs := &fakeObserver{err: errors.New("connection refused")}
		uc := newDepositUsecase(e, obs)

		req, err := uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: txHash(5), Token: "ETH", ExpectedAmount: "1"})
		var verr *domain.VerificationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, domain.ReasonChainUnavailable, verr.Reason)
		assert.Equal(t, domain.SettlementStatusPending, req.Status)
	})

	t.Run("should release for retry when the caller goes away mid verification", func(t *testing.T) {
		e := newEnv(t)
		e.coordinator = ledger.NewCoordinator(cancelAwareStore{e.store}, nil, nil, zap.NewNop())

		callCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		uc := newDepositUsecase(e, &fakeObserver{finalized: 100, onLocate: cancel})

		req, err := uc.VerifyDeposit(callCtx, VerifyDepositInput{UserID: "u1", TxHash: txHash(11), Token: "ETH", ExpectedAmount: "1"})
		var verr *domain.VerificationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, domain.ReasonChainUnavailable, verr.Reason)
		require.NotNil(t, req)

		stored, err := e.store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusPending, stored.Status)
	})

	t.Run("should expire deposits never seen on chain", func(t *testing.T) {
		e := newEnv(t)
		uc := newDepositUsecase(e, &fakeObserver{finalized: 100})

		req, err := uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: txHash(6), Token: "ETH", ExpectedAmount: "1"})
		require.Error(t, err)

		uc.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
		_, err = uc.RetryPending(ctx, 10)
		require.NoError(t, err)

		stored, err := e.coordinator.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusFailed, stored.Status)
	})

	t.Run("should validate input before touching the ledger", func(t *testing.T) {
		e := newEnv(t)
		uc := newDepositUsecase(e, &fakeObserver{})

		_, err := uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: "0x1234", Token: "ETH", ExpectedAmount: "1"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: txHash(7), Token: "DOGE", ExpectedAmount: "1"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: txHash(7), Token: "ETH", ExpectedAmount: "0"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		reqs, err := e.coordinator.List(ctx, domain.SettlementFilter{})
		require.NoError(t, err)
		assert.Empty(t, reqs)
	})

	t.Run("should refuse deposits from blocked users", func(t *testing.T) {
		e := newEnv(t)
		e.store.PutProfile(&domain.RiskProfile{
			UserID:     "u1",
			TrustLevel: domain.TrustLevelBasic,
			Indicators: domain.RiskIndicators{AccountAgeDays: 400, RecentCancellations: 5, RecentDisputes: 3, MultipleAccounts: true},
		})
		uc := newDepositUsecase(e, &fakeObserver{})

		_, err := uc.VerifyDeposit(ctx, VerifyDepositInput{UserID: "u1", TxHash: txHash(8), Token: "ETH", ExpectedAmount: "1"})
		assert.ErrorIs(t, err, domain.ErrRiskBlocked)
	})
}

// ============================================================================
// withdrawals
// ============================================================================

func seasonedProfile(user string, level domain.TrustLevel) *domain.RiskProfile {
	return &domain.RiskProfile{
		UserID:     user,
		TrustLevel: level,
		Indicators: domain.RiskIndicators{
			AccountAgeDays:  400,
			CompletedTrades: 120,
			AvgTradeAmount:  decimal.NewFromInt(300),
		},
	}
}

func withdrawalEnv(t *testing.T, exec *fakeExecutor) (*env, *WithdrawalUsecase) {
	t.Helper()
	e := newEnv(t)
	e.store.PutProfile(seasonedProfile("u1", domain.TrustLevelBasic))
	e.store.Credit("u1", "USDC", units("1000000000")) // 1000 USDC
	return e, NewWithdrawalUsecase(e.coordinator, exec, e.gate, e.tokens, nil, zap.NewNop())
}

func TestRequestWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("should reserve the full amount", func(t *testing.T) {
		e, uc := withdrawalEnv(t, &fakeExecutor{})

		req, err := uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "400", Address: payout})
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusPending, req.Status)
		assert.Equal(t, "0x8ba1f109551bD432803012645Ac136ddd64DBA72", req.Address)
		assert.Equal(t, "1000000", req.Fee.String())

		available, reserved := e.balance(t, "u1", "USDC")
		assert.Equal(t, "600000000", available)
		assert.Equal(t, "400000000", reserved)
	})

	t.Run("should deny over the tier limit before reserving", func(t *testing.T) {
		e, uc := withdrawalEnv(t, &fakeExecutor{})
		e.store.Credit("u1", "USDC", units("1000000000"))

		_, err := uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "1000", Address: payout})
		assert.ErrorIs(t, err, domain.ErrLimitExceeded)

		available, reserved := e.balance(t, "u1", "USDC")
		assert.Equal(t, "2000000000", available)
		assert.Equal(t, "0", reserved)
	})

	t.Run("should count earlier days of the month against the monthly cap", func(t *testing.T) {
		e, uc := withdrawalEnv(t, &fakeExecutor{})
		e.store.Credit("u1", "USDC", units("20000000000"))

		// ten withdrawals of 980 USDC on earlier days this month
		for day := 2; day < 12; day++ {
			at := time.Date(2026, 3, day, 9, 0, 0, 0, time.UTC)
			e.store.SetClock(func() time.Time { return at })
			require.NoError(t, e.coordinator.Create(ctx, &domain.SettlementRequest{
				UserID:    "u1",
				Direction: domain.DirectionWithdraw,
				Token:     "USDC",
				Amount:    units("980000000"),
				Fee:       units("1000000"),
				Address:   payout,
			}))
		}
		today := time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)
		e.store.SetClock(func() time.Time { return today })
		uc.now = func() time.Time { return today }

		_, err := uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "300", Address: payout})
		var denied *domain.RiskDeniedError
		require.ErrorAs(t, err, &denied)
		assert.ErrorIs(t, err, domain.ErrLimitExceeded)
		assert.Contains(t, denied.Reason, "200 remaining")

		_, err = uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "150", Address: payout})
		assert.NoError(t, err)

		// next month starts a fresh window
		uc.now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }
		_, err = uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "400", Address: payout})
		assert.NoError(t, err)
	})

	t.Run("should deny during cooldown", func(t *testing.T) {
		e, uc := withdrawalEnv(t, &fakeExecutor{})
		p := seasonedProfile("u1", domain.TrustLevelBasic)
		last := time.Now().Add(-time.Minute)
		p.LastCancellation = &last
		e.store.PutProfile(p)

		_, err := uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "50", Address: payout})
		var denied *domain.RiskDeniedError
		require.True(t, errors.As(err, &denied))
		assert.ErrorIs(t, err, domain.ErrCooldown)
		assert.Positive(t, denied.RemainingMs)
	})

	t.Run("should reject amounts below minimum or fee", func(t *testing.T) {
		_, uc := withdrawalEnv(t, &fakeExecutor{})

		_, err := uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "5", Address: payout})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "50", Address: "0xnope"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "-3", Address: payout})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("should fail on insufficient funds", func(t *testing.T) {
		e, uc := withdrawalEnv(t, &fakeExecutor{})
		e.store.PutProfile(&domain.RiskProfile{UserID: "u1", TrustLevel: domain.TrustLevelVerified, Indicators: domain.RiskIndicators{AccountAgeDays: 400}})

		_, err := uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "1500", Address: payout})
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	})
}

func TestProcessWithdrawal(t *testing.T) {
	ctx := context.Background()
	hash := txHash(9)

	request := func(t *testing.T, e *env, uc *WithdrawalUsecase) *domain.SettlementRequest {
		t.Helper()
		req, err := uc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "400", Address: payout})
		require.NoError(t, err)
		return req
	}

	t.Run("should complete and send the net amount", func(t *testing.T) {
		exec := &fakeExecutor{signHash: hash, receipt: &domain.TransferReceipt{TxHash: hash, BlockNumber: 50}}
		e, uc := withdrawalEnv(t, exec)
		req := request(t, e, uc)

		res, err := uc.Process(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, string(domain.SettlementStatusCompleted), res.Status)
		assert.Equal(t, hash, res.TxHash)
		assert.Equal(t, "400000000", res.Amount.String())
		assert.Equal(t, "1000000", res.Fee.String())

		require.Len(t, exec.calls, 1)
		assert.Equal(t, "399000000", exec.calls[0].Amount.String())
		assert.Equal(t, "USDC", exec.calls[0].Token.Symbol)

		available, reserved := e.balance(t, "u1", "USDC")
		assert.Equal(t, "600000000", available)
		assert.Equal(t, "0", reserved)
	})

	t.Run("should refund when the chain rejects", func(t *testing.T) {
		exec := &fakeExecutor{err: &domain.DispatchError{Kind: domain.DispatchReverted, Section: "erc20", Name: "ERC20InsufficientBalance"}}
		e, uc := withdrawalEnv(t, exec)
		req := request(t, e, uc)

		_, err := uc.Process(ctx, req.ID)
		assert.ErrorIs(t, err, domain.ErrChainSubmission)

		stored, err := e.coordinator.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusFailed, stored.Status)

		available, reserved := e.balance(t, "u1", "USDC")
		assert.Equal(t, "1000000000", available)
		assert.Equal(t, "0", reserved)
	})

	t.Run("should keep funds reserved and open a review on timeout", func(t *testing.T) {
		exec := &fakeExecutor{signHash: hash, err: &domain.ChainTimeoutError{TxHash: hash, Waited: "1m0s"}}
		e, uc := withdrawalEnv(t, exec)
		req := request(t, e, uc)

		res, err := uc.Process(ctx, req.ID)
		assert.ErrorIs(t, err, domain.ErrChainTimeout)
		require.NotNil(t, res)
		assert.Equal(t, string(domain.SettlementStatusProcessing), res.Status)
		assert.Equal(t, hash, res.TxHash)

		stored, err := e.coordinator.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusProcessing, stored.Status)
		assert.True(t, stored.NeedsReview)

		_, reserved := e.balance(t, "u1", "USDC")
		assert.Equal(t, "400000000", reserved)

		open, err := e.coordinator.Reviews(ctx, domain.ReviewStatusOpen, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, req.ID, open[0].RequestID)
	})

	t.Run("should release when nothing was sent", func(t *testing.T) {
		exec := &fakeExecutor{err: errors.New("nonce lock unavailable")}
		e, uc := withdrawalEnv(t, exec)
		req := request(t, e, uc)

		_, err := uc.Process(ctx, req.ID)
		require.Error(t, err)

		stored, err := e.coordinator.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusPending, stored.Status)

		ids, err := uc.PendingIDs(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{req.ID}, ids)
	})

	t.Run("should never resend once a hash exists", func(t *testing.T) {
		exec := &fakeExecutor{signHash: hash, err: errors.New("subscription dropped")}
		e, uc := withdrawalEnv(t, exec)
		req := request(t, e, uc)

		_, err := uc.Process(ctx, req.ID)
		require.Error(t, err)

		_, err = uc.Process(ctx, req.ID)
		assert.ErrorIs(t, err, domain.ErrChainTimeout)
		assert.Len(t, exec.calls, 1)

		stored, err := e.coordinator.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.True(t, stored.NeedsReview)
	})

	t.Run("should reject a second claim", func(t *testing.T) {
		exec := &fakeExecutor{signHash: hash, receipt: &domain.TransferReceipt{TxHash: hash}}
		e, uc := withdrawalEnv(t, exec)
		req := request(t, e, uc)

		_, err := uc.Process(ctx, req.ID)
		require.NoError(t, err)
		_, err = uc.Process(ctx, req.ID)
		assert.ErrorIs(t, err, domain.ErrClaimConflict)
	})
}

// ============================================================================
// reviews
// ============================================================================

func TestReviewUsecase(t *testing.T) {
	ctx := context.Background()
	hash := txHash(10)

	timedOut := func(t *testing.T) (*env, *ReviewUsecase, *domain.ReviewCase) {
		t.Helper()
		exec := &fakeExecutor{signHash: hash, err: &domain.ChainTimeoutError{TxHash: hash, Waited: "1m0s"}}
		e, wuc := withdrawalEnv(t, exec)
		req, err := wuc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "400", Address: payout})
		require.NoError(t, err)
		_, err = wuc.Process(ctx, req.ID)
		require.Error(t, err)

		ruc := NewReviewUsecase(e.coordinator, nil, zap.NewNop())
		open, err := ruc.ListOpen(ctx, 0)
		require.NoError(t, err)
		require.Len(t, open, 1)
		return e, ruc, open[0]
	}

	t.Run("should debit when the transfer landed", func(t *testing.T) {
		e, ruc, rc := timedOut(t)

		resolved, err := ruc.Resolve(ctx, ResolveReviewInput{CaseID: rc.ID, Outcome: "completed", ResolvedBy: "ops@example.com"})
		require.NoError(t, err)
		assert.Equal(t, domain.ReviewStatusResolved, resolved.Status)

		available, reserved := e.balance(t, "u1", "USDC")
		assert.Equal(t, "600000000", available)
		assert.Equal(t, "0", reserved)
		assert.Equal(t, 0, ruc.RefreshGauge(ctx))
	})

	t.Run("should refund when the transfer never landed", func(t *testing.T) {
		e, ruc, rc := timedOut(t)

		_, err := ruc.Resolve(ctx, ResolveReviewInput{CaseID: rc.ID, Outcome: "failed", ResolvedBy: "ops"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "note is required")

		_, err = ruc.Resolve(ctx, ResolveReviewInput{CaseID: rc.ID, Outcome: "failed", Note: "dropped from mempool", ResolvedBy: "ops"})
		require.NoError(t, err)

		available, reserved := e.balance(t, "u1", "USDC")
		assert.Equal(t, "1000000000", available)
		assert.Equal(t, "0", reserved)

		_, err = ruc.Resolve(ctx, ResolveReviewInput{CaseID: rc.ID, Outcome: "failed", Note: "again", ResolvedBy: "ops"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("should validate the verdict", func(t *testing.T) {
		_, ruc, rc := timedOut(t)

		_, err := ruc.Resolve(ctx, ResolveReviewInput{CaseID: rc.ID, Outcome: "maybe", ResolvedBy: "ops"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = ruc.Resolve(ctx, ResolveReviewInput{CaseID: rc.ID, Outcome: "completed", TxHash: "0xzz", ResolvedBy: "ops"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = ruc.Resolve(ctx, ResolveReviewInput{CaseID: rc.ID, Outcome: "completed"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("should release stuck deposits and flag stuck withdrawals", func(t *testing.T) {
		e, wuc := withdrawalEnv(t, &fakeExecutor{})
		w, err := wuc.RequestWithdrawal(ctx, RequestWithdrawalInput{UserID: "u1", Token: "USDC", Amount: "100", Address: payout})
		require.NoError(t, err)
		_, err = e.coordinator.Claim(ctx, w.ID)
		require.NoError(t, err)

		dhash := txHash(11)
		d := &domain.SettlementRequest{UserID: "u2", Direction: domain.DirectionDeposit, Token: "ETH", Amount: big.NewInt(1), ChainTxHash: &dhash}
		require.NoError(t, e.coordinator.Create(ctx, d))
		_, err = e.coordinator.Claim(ctx, d.ID)
		require.NoError(t, err)

		ruc := NewReviewUsecase(e.coordinator, nil, zap.NewNop())

		released, flagged, err := ruc.SweepStuck(ctx, 10*time.Minute, 100)
		require.NoError(t, err)
		assert.Zero(t, released+flagged)

		ruc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
		released, flagged, err = ruc.SweepStuck(ctx, 10*time.Minute, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, released)
		assert.Equal(t, 1, flagged)

		storedD, err := e.coordinator.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusPending, storedD.Status)

		storedW, err := e.coordinator.Get(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SettlementStatusProcessing, storedW.Status)
		assert.True(t, storedW.NeedsReview)

		// flagged requests are not picked up twice
		released, flagged, err = ruc.SweepStuck(ctx, 10*time.Minute, 100)
		require.NoError(t, err)
		assert.Zero(t, released+flagged)
	})
}
