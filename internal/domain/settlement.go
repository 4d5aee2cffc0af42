// internal/domain/settlement.go
package domain

import (
	"math/big"
	"time"
)

// Direction of a settlement request relative to the custodial wallet
type Direction string

const (
	DirectionDeposit  Direction = "deposit"
	DirectionWithdraw Direction = "withdraw"
)

// SettlementStatus is the lifecycle state of a settlement request.
// Pending -> Processing -> {Completed, Failed}
type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusProcessing SettlementStatus = "processing"
	SettlementStatusCompleted  SettlementStatus = "completed"
	SettlementStatusFailed     SettlementStatus = "failed"
)

func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementStatusCompleted || s == SettlementStatusFailed
}

// SettlementRequest is one deposit or withdrawal intent. It is never deleted.
type SettlementRequest struct {
	ID        string
	UserID    string
	Direction Direction
	Token     string

	// Amounts (smallest unit)
	Amount *big.Int // requested (withdraw) or expected (deposit)
	Fee    *big.Int // withdraw fee kept by the platform, zero for deposits
	// SettledAmount is the verified amount credited for deposits and the
	// amount debited for withdrawals. Nil until completed.
	SettledAmount *big.Int

	// Counterpart chain address: destination for withdrawals, sender for deposits
	Address string

	Status      SettlementStatus
	ChainTxHash *string
	ErrorDetail *string

	// NeedsReview is set when the outcome is ambiguous and an operator must
	// reconcile the request against the chain.
	NeedsReview bool
	Attempts    int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time
}

// NetAmount is what leaves the custodial wallet for a withdrawal.
func (r *SettlementRequest) NetAmount() *big.Int {
	if r.Fee == nil {
		return new(big.Int).Set(r.Amount)
	}
	return new(big.Int).Sub(r.Amount, r.Fee)
}

func (r *SettlementRequest) TxHash() string {
	if r.ChainTxHash == nil {
		return ""
	}
	return *r.ChainTxHash
}

// SettlementResult is returned to callers once a withdrawal has been processed
type SettlementResult struct {
	RequestID string   `json:"request_id"`
	Status    string   `json:"status"`
	TxHash    string   `json:"tx_hash,omitempty"`
	Amount    *big.Int `json:"amount"`
	Fee       *big.Int `json:"fee"`
}

// SettlementFilter narrows request listings
type SettlementFilter struct {
	UserID      string
	Direction   Direction
	Status      SettlementStatus
	NeedsReview *bool
	OlderThan   *time.Time
	Limit       int
}
