// Package ledger owns the settlement request lifecycle. The Coordinator is the
// only component allowed to mutate balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"settlement-service/internal/domain"
	"settlement-service/internal/metrics"
	"settlement-service/internal/repository"

	"go.uber.org/zap"
)

// Publisher emits settlement events for consumers outside the core
type Publisher interface {
	Publish(ctx context.Context, event *domain.SettlementEvent) error
}

type Coordinator struct {
	store     repository.LedgerStore
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	locks   map[string]*accountMutex
	locksMu sync.Mutex
}

type accountMutex struct {
	mu   sync.Mutex
	refs int
}

func NewCoordinator(store repository.LedgerStore, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		locks:     make(map[string]*accountMutex),
	}
}

// lockAccount serialises balance mutations per (user, token) inside this
// process and returns the unlock func. The store serialises across processes.
// Entries are dropped once no caller holds or waits on them.
func (c *Coordinator) lockAccount(userID, token string) func() {
	key := userID + "|" + token

	c.locksMu.Lock()
	m, exists := c.locks[key]
	if !exists {
		m = &accountMutex{}
		c.locks[key] = m
	}
	m.refs++
	c.locksMu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()

		c.locksMu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(c.locks, key)
		}
		c.locksMu.Unlock()
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Create inserts a Pending request; withdrawals reserve their amount atomically.
func (c *Coordinator) Create(ctx context.Context, req *domain.SettlementRequest) error {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}

	unlock := c.lockAccount(req.UserID, req.Token)
	defer unlock()

	if err := c.store.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) || errors.Is(err, domain.ErrInsufficientFunds) {
			return err
		}
		return fmt.Errorf("failed to create settlement request: %w", err)
	}

	c.metrics.RequestCreated(string(req.Direction), req.Token)
	c.logger.Info("Settlement request created",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("direction", string(req.Direction)),
		zap.String("token", req.Token),
		zap.String("amount", req.Amount.String()))

	c.publish(ctx, domain.EventSettlementCreated, req, nil)
	return nil
}

// Claim moves Pending -> Processing. Losers get domain.ErrClaimConflict and
// must not perform any side effect.
func (c *Coordinator) Claim(ctx context.Context, id string) (*domain.SettlementRequest, error) {
	req, err := c.store.ClaimRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Settlement request claimed",
		zap.String("request_id", id),
		zap.Int("attempt", req.Attempts))
	return req, nil
}

// Release puts a claimed request back to Pending for a later attempt
func (c *Coordinator) Release(ctx context.Context, req *domain.SettlementRequest, reason string) error {
	if err := c.store.ReleaseRequest(ctx, req.ID, reason); err != nil {
		return fmt.Errorf("failed to release request: %w", err)
	}
	return nil
}

// AttachTxHash persists the hash of a signed transfer before it is broadcast
func (c *Coordinator) AttachTxHash(ctx context.Context, req *domain.SettlementRequest, txHash string) error {
	if err := c.store.AttachTxHash(ctx, req.ID, txHash); err != nil {
		return fmt.Errorf("failed to attach tx hash: %w", err)
	}
	req.ChainTxHash = &txHash
	return nil
}

// CompleteDeposit credits the verified amount. A second completion for the
// same tx hash returns domain.ErrAlreadyProcessed and credits nothing.
func (c *Coordinator) CompleteDeposit(ctx context.Context, req *domain.SettlementRequest, amount *big.Int, txHash string) (*domain.LedgerEntry, error) {
	unlock := c.lockAccount(req.UserID, req.Token)
	defer unlock()

	entry, err := c.store.CompleteDeposit(ctx, req.ID, amount, txHash)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to complete deposit: %w", err)
	}

	req.Status = domain.SettlementStatusCompleted
	req.ChainTxHash = &txHash
	req.SettledAmount = new(big.Int).Set(amount)

	c.metrics.RequestCompleted(string(req.Direction), req.Token)
	c.logger.Info("Deposit credited",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("token", req.Token),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash),
		zap.String("balance_after", entry.BalanceAfter.String()))

	c.publish(ctx, domain.EventSettlementCompleted, req, entry.BalanceAfter)
	return entry, nil
}

// CompleteWithdraw turns the reservation into a debit. It runs after the
// transfer finalized on chain, so any failure here is a StorageError and the
// request is escalated to manual review.
func (c *Coordinator) CompleteWithdraw(ctx context.Context, req *domain.SettlementRequest, txHash string) (*domain.LedgerEntry, error) {
	unlock := c.lockAccount(req.UserID, req.Token)
	entry, err := c.store.CompleteWithdraw(ctx, req.ID, txHash)
	unlock()

	if err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			return nil, err
		}
		storageErr := &domain.StorageError{
			Op:        "complete_withdraw",
			RequestID: req.ID,
			TxHash:    txHash,
			Err:       err,
		}
		c.reportStorageError(ctx, req, storageErr)
		return nil, storageErr
	}

	req.Status = domain.SettlementStatusCompleted
	req.ChainTxHash = &txHash
	req.SettledAmount = new(big.Int).Set(req.Amount)

	c.metrics.RequestCompleted(string(req.Direction), req.Token)
	c.logger.Info("Withdrawal completed",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("token", req.Token),
		zap.String("amount", req.Amount.String()),
		zap.String("fee", req.Fee.String()),
		zap.String("tx_hash", txHash))

	c.publish(ctx, domain.EventSettlementCompleted, req, entry.BalanceAfter)
	return entry, nil
}

// Fail marks the request Failed. Withdrawals get their full reservation back.
func (c *Coordinator) Fail(ctx context.Context, req *domain.SettlementRequest, reason string) error {
	unlock := c.lockAccount(req.UserID, req.Token)
	defer unlock()

	if err := c.store.FailRequest(ctx, req.ID, reason); err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			return err
		}
		return fmt.Errorf("failed to fail request: %w", err)
	}

	req.Status = domain.SettlementStatusFailed
	req.ErrorDetail = &reason

	c.metrics.RequestFailed(string(req.Direction), req.Token)
	c.logger.Warn("Settlement request failed",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("direction", string(req.Direction)),
		zap.String("reason", reason),
		zap.Bool("refunded", req.Direction == domain.DirectionWithdraw))

	c.publish(ctx, domain.EventSettlementFailed, req, nil)
	return nil
}

// FlagForReview leaves the request in Processing and opens a review case.
// Nothing is refunded or retried automatically.
func (c *Coordinator) FlagForReview(ctx context.Context, req *domain.SettlementRequest, reason string) (*domain.ReviewCase, error) {
	rc, err := c.store.OpenReview(ctx, req.ID, reason)
	if err != nil {
		c.logger.Error("Failed to open review case",
			zap.String("request_id", req.ID),
			zap.String("tx_hash", req.TxHash()),
			zap.String("reason", reason),
			zap.Error(err))
		return nil, fmt.Errorf("failed to open review case: %w", err)
	}

	req.NeedsReview = true
	c.metrics.ReviewOpened()
	c.logger.Warn("Settlement request held for manual review",
		zap.String("request_id", req.ID),
		zap.String("case_id", rc.ID),
		zap.String("tx_hash", req.TxHash()),
		zap.String("reason", reason))

	c.publish(ctx, domain.EventSettlementReview, req, nil)
	return rc, nil
}

// ResolveReview applies an operator verdict
func (c *Coordinator) ResolveReview(ctx context.Context, caseID string, res repository.ReviewResolution) (*domain.ReviewCase, error) {
	rc, err := c.store.GetReview(ctx, caseID)
	if err != nil {
		return nil, err
	}
	req, err := c.store.GetRequest(ctx, rc.RequestID)
	if err != nil {
		return nil, err
	}

	unlock := c.lockAccount(req.UserID, req.Token)
	resolved, err := c.store.ResolveReview(ctx, caseID, res)
	unlock()
	if err != nil {
		return nil, err
	}

	c.logger.Info("Review case resolved",
		zap.String("case_id", caseID),
		zap.String("request_id", req.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("resolved_by", res.ResolvedBy))

	if updated, err := c.store.GetRequest(ctx, req.ID); err == nil {
		switch updated.Status {
		case domain.SettlementStatusCompleted:
			c.metrics.RequestCompleted(string(updated.Direction), updated.Token)
			c.publish(ctx, domain.EventSettlementCompleted, updated, nil)
		case domain.SettlementStatusFailed:
			c.metrics.RequestFailed(string(updated.Direction), updated.Token)
			c.publish(ctx, domain.EventSettlementFailed, updated, nil)
		}
	}
	return resolved, nil
}

// ============================================================================
// Reads
// ============================================================================

func (c *Coordinator) Get(ctx context.Context, id string) (*domain.SettlementRequest, error) {
	return c.store.GetRequest(ctx, id)
}

func (c *Coordinator) GetByTxHash(ctx context.Context, txHash string) (*domain.SettlementRequest, error) {
	return c.store.GetRequestByTxHash(ctx, txHash)
}

func (c *Coordinator) List(ctx context.Context, filter domain.SettlementFilter) ([]*domain.SettlementRequest, error) {
	return c.store.ListRequests(ctx, filter)
}

func (c *Coordinator) Balances(ctx context.Context, userID string) ([]*domain.Balance, error) {
	return c.store.ListBalances(ctx, userID)
}

// WithdrawalUsage counts non-failed withdrawals created since the given time
func (c *Coordinator) WithdrawalUsage(ctx context.Context, userID, token string, since time.Time) (*domain.WithdrawalUsage, error) {
	return c.store.GetWithdrawalUsage(ctx, userID, token, since)
}

func (c *Coordinator) Reviews(ctx context.Context, status domain.ReviewStatus, limit int) ([]*domain.ReviewCase, error) {
	return c.store.ListReviews(ctx, status, limit)
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Coordinator) reportStorageError(ctx context.Context, req *domain.SettlementRequest, err *domain.StorageError) {
	c.metrics.StorageErrorAfterChain()
	c.logger.Error("RECONCILIATION REQUIRED: ledger write failed after chain success",
		zap.String("op", err.Op),
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("direction", string(req.Direction)),
		zap.String("token", req.Token),
		zap.String("amount", req.Amount.String()),
		zap.String("tx_hash", err.TxHash),
		zap.Error(err.Err))

	if _, reviewErr := c.FlagForReview(ctx, req, "ledger write failed after chain success: "+err.Err.Error()); reviewErr != nil {
		c.logger.Error("RECONCILIATION REQUIRED: could not open review case",
			zap.String("request_id", req.ID),
			zap.String("tx_hash", err.TxHash),
			zap.Error(reviewErr))
	}
}

func (c *Coordinator) publish(ctx context.Context, eventType string, req *domain.SettlementRequest, balanceAfter *big.Int) {
	if c.publisher == nil {
		return
	}
	ev := domain.NewSettlementEvent(eventType, req)
	if balanceAfter != nil {
		ev.BalanceAfter = balanceAfter.String()
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("Failed to publish settlement event",
			zap.String("event_type", eventType),
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
}
