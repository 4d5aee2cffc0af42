// internal/domain/chain.go
package domain

import (
	"math/big"
	"time"
)

// TokenKind separates native coin transfers from asset (contract) transfers.
// They produce different event shapes on chain and are never interchangeable.
type TokenKind string

const (
	TokenKindNative TokenKind = "native"
	TokenKindAsset  TokenKind = "asset"
)

// Token describes a settleable token
type Token struct {
	Symbol       string
	Kind         TokenKind
	ContractAddr *string // asset id, nil for native
	Decimals     int
	// Withdrawal economics (smallest unit)
	WithdrawFee   *big.Int
	MinWithdrawal *big.Int
}

func (t *Token) IsNative() bool {
	return t.Kind == TokenKindNative
}

// TransferEvent is the transfer extracted from an observed transaction.
// AssetID is empty for native transfers.
type TransferEvent struct {
	Kind    TokenKind
	AssetID string
	From    string
	To      string
	Amount  *big.Int
}

// ChainTransferObservation is produced by the chain observer and consumed
// immediately by the verifier. It is never persisted.
type ChainTransferObservation struct {
	TxHash      string
	BlockHash   string
	BlockNumber uint64
	TxIndex     uint
	Sender      string
	Success     bool
	Transfers   []TransferEvent
	Timestamp   time.Time
}

// ChainHead is a minimal header view
type ChainHead struct {
	Number uint64
	Hash   string
}

// TransferRequest is what the withdrawal executor sends
type TransferRequest struct {
	RequestID string
	Token     *Token
	To        string
	Amount    *big.Int // net amount sent on chain
}

// TransferReceipt is returned once a transfer is finalized
type TransferReceipt struct {
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	Fee         *big.Int // network fee paid by the custodial wallet
	FinalizedAt time.Time
}
