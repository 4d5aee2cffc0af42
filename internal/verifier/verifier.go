// Package verifier checks an observed chain transfer against what a deposit
// request expects. It is deterministic and performs no I/O.
package verifier

import (
	"fmt"
	"math/big"

	"settlement-service/internal/domain"
)

// ToleranceDenominator sets the allowed deviation to 1/1000 (0.1%) of the
// expected amount.
const ToleranceDenominator = 1000

// Expectation is what the deposit request claims happened on chain
type Expectation struct {
	Token     *domain.Token
	Amount    *big.Int
	Recipient string
}

// Result of a successful verification
type Result struct {
	ActualAmount *big.Int
	From         string
	BlockNumber  uint64
}

// Validate returns a *domain.VerificationError when the observation does not
// prove the expected transfer. Finality is checked first: data from a block
// that may still be reverted never fails a request permanently.
func Validate(obs *domain.ChainTransferObservation, exp Expectation, finalizedBlock uint64) (*Result, error) {
	if obs == nil {
		return nil, &domain.VerificationError{Reason: domain.ReasonNotFound}
	}

	if obs.BlockNumber > finalizedBlock {
		return nil, &domain.VerificationError{
			Reason: domain.ReasonNotFinalized,
			Detail: fmt.Sprintf("block %d, finalized %d", obs.BlockNumber, finalizedBlock),
		}
	}

	if !obs.Success {
		return nil, &domain.VerificationError{Reason: domain.ReasonExtrinsicFailed}
	}

	var sameAsset []domain.TransferEvent
	for _, ev := range obs.Transfers {
		if matchesToken(ev, exp.Token) {
			sameAsset = append(sameAsset, ev)
		}
	}
	if len(sameAsset) == 0 {
		if len(obs.Transfers) == 0 {
			return nil, &domain.VerificationError{Reason: domain.ReasonNoTransfer}
		}
		return nil, &domain.VerificationError{
			Reason: domain.ReasonAssetMismatch,
			Detail: fmt.Sprintf("expected %s", describeToken(exp.Token)),
		}
	}

	var transfer *domain.TransferEvent
	for i := range sameAsset {
		if sameAsset[i].To == exp.Recipient {
			transfer = &sameAsset[i]
			break
		}
	}
	if transfer == nil {
		return nil, &domain.VerificationError{
			Reason: domain.ReasonRecipientMismatch,
			Detail: fmt.Sprintf("sent to %s", sameAsset[0].To),
		}
	}

	if !WithinTolerance(transfer.Amount, exp.Amount) {
		return nil, &domain.VerificationError{
			Reason: domain.ReasonAmountMismatch,
			Detail: fmt.Sprintf("expected %s, got %s", exp.Amount, transfer.Amount),
		}
	}

	return &Result{
		ActualAmount: new(big.Int).Set(transfer.Amount),
		From:         transfer.From,
		BlockNumber:  obs.BlockNumber,
	}, nil
}

// WithinTolerance reports |actual-expected| <= expected/1000 without division
func WithinTolerance(actual, expected *big.Int) bool {
	if actual == nil || expected == nil || expected.Sign() <= 0 {
		return false
	}
	diff := new(big.Int).Sub(actual, expected)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(ToleranceDenominator))
	return diff.Cmp(expected) <= 0
}

func matchesToken(ev domain.TransferEvent, token *domain.Token) bool {
	if ev.Kind != token.Kind {
		return false
	}
	if token.IsNative() {
		return true
	}
	return token.ContractAddr != nil && ev.AssetID == *token.ContractAddr
}

func describeToken(token *domain.Token) string {
	if token.IsNative() {
		return token.Symbol + " (native)"
	}
	return fmt.Sprintf("%s (asset %s)", token.Symbol, *token.ContractAddr)
}
