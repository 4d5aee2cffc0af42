// internal/repository/interface_repo.go
package repository

import (
	"context"
	"math/big"
	"time"

	"settlement-service/internal/domain"
)

// LedgerStore is the transactional store behind the ledger coordinator.
// Every method that changes a balance does so in one transaction together
// with the status transition, the ledger entry and the audit record.
type LedgerStore interface {
	// CreateRequest inserts a Pending request. Withdrawals atomically move
	// Amount from available to reserved (ErrInsufficientFunds otherwise).
	// A chain tx hash already held by a non-failed request yields ErrAlreadyProcessed.
	CreateRequest(ctx context.Context, req *domain.SettlementRequest) error

	// ClaimRequest is the compare-and-swap Pending -> Processing.
	// Exactly one concurrent caller wins; the rest get ErrClaimConflict.
	ClaimRequest(ctx context.Context, id string) (*domain.SettlementRequest, error)

	// ReleaseRequest returns a Processing request to Pending for a later retry.
	ReleaseRequest(ctx context.Context, id, reason string) error

	// AttachTxHash records the hash of a signed transfer before broadcast.
	AttachTxHash(ctx context.Context, id, txHash string) error

	CompleteDeposit(ctx context.Context, id string, amount *big.Int, txHash string) (*domain.LedgerEntry, error)
	CompleteWithdraw(ctx context.Context, id, txHash string) (*domain.LedgerEntry, error)
	// FailRequest releases any reservation in full and marks the request Failed.
	FailRequest(ctx context.Context, id, reason string) error

	// OpenReview flags a Processing request for manual reconciliation.
	OpenReview(ctx context.Context, id, reason string) (*domain.ReviewCase, error)
	// ResolveReview settles the request per outcome and closes the case.
	ResolveReview(ctx context.Context, caseID string, res ReviewResolution) (*domain.ReviewCase, error)
	GetReview(ctx context.Context, caseID string) (*domain.ReviewCase, error)
	ListReviews(ctx context.Context, status domain.ReviewStatus, limit int) ([]*domain.ReviewCase, error)

	GetRequest(ctx context.Context, id string) (*domain.SettlementRequest, error)
	GetRequestByTxHash(ctx context.Context, txHash string) (*domain.SettlementRequest, error)
	ListRequests(ctx context.Context, filter domain.SettlementFilter) ([]*domain.SettlementRequest, error)

	GetBalance(ctx context.Context, userID, token string) (*domain.Balance, error)
	ListBalances(ctx context.Context, userID string) ([]*domain.Balance, error)
	ListEntries(ctx context.Context, userID, token string) ([]*domain.LedgerEntry, error)
	ListAudit(ctx context.Context, requestID string) ([]*domain.AuditRecord, error)

	// GetWithdrawalUsage counts non-failed withdrawals created since the given time.
	GetWithdrawalUsage(ctx context.Context, userID, token string, since time.Time) (*domain.WithdrawalUsage, error)
}

// ReviewResolution is an operator's verdict for a review case
type ReviewResolution struct {
	Outcome    domain.ReviewOutcome
	TxHash     string
	ResolvedBy string
	Note       string
}

// Actor names recorded in the audit log
const (
	ActorSystem = "system"
)
