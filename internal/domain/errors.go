package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrLimitExceeded      = errors.New("limit exceeded")
	ErrCooldown           = errors.New("cooldown active")
	ErrRiskBlocked        = errors.New("blocked by risk policy")
	ErrVerificationFailed = errors.New("verification failed")
	ErrChainTimeout       = errors.New("chain timeout")
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrChainSubmission    = errors.New("chain submission failed")
	ErrStorage            = errors.New("storage error")

	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrClaimConflict     = errors.New("request already claimed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ============================================================================
// Risk
// ============================================================================

// RiskDeniedError is returned when the risk gate rejects a request before any
// ledger write. Kind is one of ErrLimitExceeded, ErrCooldown, ErrRiskBlocked.
type RiskDeniedError struct {
	Kind        error
	Reason      string
	RemainingMs int64
	Assessment  *RiskAssessment
}

func (e *RiskDeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RiskDeniedError) Unwrap() error { return e.Kind }

// ============================================================================
// Verification
// ============================================================================

type VerificationReason string

const (
	ReasonNotFound          VerificationReason = "transaction not found"
	ReasonNotFinalized      VerificationReason = "not finalized"
	ReasonChainUnavailable  VerificationReason = "chain unavailable"
	ReasonExtrinsicFailed   VerificationReason = "transaction failed on chain"
	ReasonNoTransfer        VerificationReason = "no transfer event"
	ReasonAssetMismatch     VerificationReason = "asset mismatch"
	ReasonRecipientMismatch VerificationReason = "recipient mismatch"
	ReasonAmountMismatch    VerificationReason = "amount mismatch"
)

// Retryable reports whether the same transaction may verify later
func (r VerificationReason) Retryable() bool {
	switch r {
	case ReasonNotFound, ReasonNotFinalized, ReasonChainUnavailable:
		return true
	}
	return false
}

type VerificationError struct {
	Reason VerificationReason
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrVerificationFailed, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrVerificationFailed, e.Reason, e.Detail)
}

func (e *VerificationError) Unwrap() error { return ErrVerificationFailed }

func (e *VerificationError) Retryable() bool { return e.Reason.Retryable() }

// IsRetryableVerification reports whether err is a verification failure that
// must be retried instead of failing the request.
func IsRetryableVerification(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve) && ve.Retryable()
}

// ============================================================================
// Chain submission
// ============================================================================

// DispatchErrorKind is a chain-level rejection of a submitted transfer.
// Kinds are resolved from (section, name) pairs once at startup.
type DispatchErrorKind int

const (
	DispatchUnknown DispatchErrorKind = iota
	DispatchInsufficientBalance
	DispatchBelowMinimum
	DispatchInvalidRecipient
	DispatchInvalidSender
	DispatchAllowance
	DispatchNonceTooLow
	DispatchUnderpriced
	DispatchGasLimit
	DispatchIntrinsicGas
	DispatchReverted
)

func (k DispatchErrorKind) String() string {
	switch k {
	case DispatchInsufficientBalance:
		return "insufficient_balance"
	case DispatchBelowMinimum:
		return "below_minimum"
	case DispatchInvalidRecipient:
		return "invalid_recipient"
	case DispatchInvalidSender:
		return "invalid_sender"
	case DispatchAllowance:
		return "allowance"
	case DispatchNonceTooLow:
		return "nonce_too_low"
	case DispatchUnderpriced:
		return "underpriced"
	case DispatchGasLimit:
		return "gas_limit"
	case DispatchIntrinsicGas:
		return "intrinsic_gas"
	case DispatchReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// DispatchError is a certain failure: the chain rejected the transfer and no
// funds left the custodial wallet.
type DispatchError struct {
	Kind    DispatchErrorKind
	Section string
	Name    string
	TxHash  string
	Detail  string
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s: %s.%s (%s)", ErrChainSubmission, e.Section, e.Name, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return ErrChainSubmission }

// ChainTimeoutError means the transfer was broadcast but finality was not
// observed in time. The outcome is unknown.
type ChainTimeoutError struct {
	TxHash string
	Waited string
}

func (e *ChainTimeoutError) Error() string {
	return fmt.Sprintf("%s: tx %s not finalized after %s", ErrChainTimeout, e.TxHash, e.Waited)
}

func (e *ChainTimeoutError) Unwrap() error { return ErrChainTimeout }

// ============================================================================
// Storage
// ============================================================================

// StorageError is a ledger write that failed after a chain operation already
// succeeded. The ledger and the chain disagree until an operator reconciles.
type StorageError struct {
	Op        string
	RequestID string
	TxHash    string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s request=%s tx=%s: %v", ErrStorage, e.Op, e.RequestID, e.TxHash, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }
