// internal/usecase/interfaces.go
package usecase

import (
	"context"

	"settlement-service/internal/domain"

	"github.com/shopspring/decimal"
)

// ChainObserver locates and reads transfers on chain
type ChainObserver interface {
	Locate(ctx context.Context, txHash string, maxBlocksBack uint64) (*domain.ChainTransferObservation, error)
	FinalizedNumber(ctx context.Context) (uint64, error)
}

// TransferExecutor sends withdrawals from the custodial wallet
type TransferExecutor interface {
	Execute(ctx context.Context, req *domain.TransferRequest, onSigned func(ctx context.Context, txHash string) error) (*domain.TransferReceipt, error)
}

// RiskGate must pass before anything is reserved
type RiskGate interface {
	CheckWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, activity domain.WithdrawalActivity) (*domain.RiskAssessment, error)
	CheckDeposit(ctx context.Context, userID string) (*domain.RiskAssessment, error)
}

// TokenLookup resolves a symbol to a settleable token
type TokenLookup interface {
	Get(symbol string) (*domain.Token, error)
}
