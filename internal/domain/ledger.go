package domain

import (
	"math/big"
	"time"
)

// EntryType classifies a ledger entry
type EntryType string

const (
	EntryTypeDeposit  EntryType = "deposit"
	EntryTypeWithdraw EntryType = "withdraw"
	EntryTypeRefund   EntryType = "refund"
)

// LedgerEntry is an append-only record of one balance change.
// BalanceAfter = BalanceBefore + Delta, always.
type LedgerEntry struct {
	ID            string
	UserID        string
	Token         string
	Type          EntryType
	Delta         *big.Int
	BalanceBefore *big.Int
	BalanceAfter  *big.Int
	RequestID     string
	CreatedAt     time.Time
}

// Balance of one user for one token.
// Total = Available + Reserved; Total equals the sum of the user's ledger entry deltas.
type Balance struct {
	UserID    string
	Token     string
	Available *big.Int
	Reserved  *big.Int
	UpdatedAt time.Time
}

func NewBalance(userID, token string) *Balance {
	return &Balance{
		UserID:    userID,
		Token:     token,
		Available: big.NewInt(0),
		Reserved:  big.NewInt(0),
	}
}

func (b *Balance) Total() *big.Int {
	return new(big.Int).Add(b.Available, b.Reserved)
}

func (b *Balance) Clone() *Balance {
	return &Balance{
		UserID:    b.UserID,
		Token:     b.Token,
		Available: new(big.Int).Set(b.Available),
		Reserved:  new(big.Int).Set(b.Reserved),
		UpdatedAt: b.UpdatedAt,
	}
}

// AuditRecord is written alongside every terminal transition
type AuditRecord struct {
	ID        string
	RequestID string
	UserID    string
	Action    string
	Actor     string
	Detail    map[string]interface{}
	CreatedAt time.Time
}

// WithdrawalUsage is the user's withdrawal activity since a point in time
type WithdrawalUsage struct {
	Count  int
	Volume *big.Int // smallest unit
}
