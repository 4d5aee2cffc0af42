// internal/chains/ethereum/dispatch_errors.go
package ethereum

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"settlement-service/internal/domain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	SectionTxPool = "txpool"
	SectionERC20  = "erc20"
	SectionRevert = "revert"
)

// Custom errors emitted by ERC-20 contracts (draft-6093)
const erc20ErrorsABI = `[
	{"type": "error", "name": "ERC20InsufficientBalance", "inputs": [
		{"name": "sender", "type": "address"},
		{"name": "balance", "type": "uint256"},
		{"name": "needed", "type": "uint256"}]},
	{"type": "error", "name": "ERC20InvalidSender", "inputs": [
		{"name": "sender", "type": "address"}]},
	{"type": "error", "name": "ERC20InvalidReceiver", "inputs": [
		{"name": "receiver", "type": "address"}]},
	{"type": "error", "name": "ERC20InsufficientAllowance", "inputs": [
		{"name": "spender", "type": "address"},
		{"name": "allowance", "type": "uint256"},
		{"name": "needed", "type": "uint256"}]},
	{"type": "error", "name": "ERC20InvalidApprover", "inputs": [
		{"name": "approver", "type": "address"}]},
	{"type": "error", "name": "ERC20InvalidSpender", "inputs": [
		{"name": "spender", "type": "address"}]}
]`

type dispatchKey struct {
	section string
	name    string
}

// txpool rejections, matched against the JSON-RPC error message
var txPoolRejections = []struct {
	fragment string
	name     string
	kind     domain.DispatchErrorKind
}{
	{"nonce too low", "NonceTooLow", domain.DispatchNonceTooLow},
	{"insufficient funds", "InsufficientFunds", domain.DispatchInsufficientBalance},
	{"replacement transaction underpriced", "ReplaceUnderpriced", domain.DispatchUnderpriced},
	{"transaction underpriced", "Underpriced", domain.DispatchUnderpriced},
	{"max fee per gas less than block base fee", "FeeCapTooLow", domain.DispatchUnderpriced},
	{"intrinsic gas too low", "IntrinsicGas", domain.DispatchIntrinsicGas},
	{"exceeds block gas limit", "GasLimit", domain.DispatchGasLimit},
	{"invalid sender", "InvalidSender", domain.DispatchInvalidSender},
}

// Revert strings from pre-custom-error token contracts
var legacyRevertReasons = map[string]domain.DispatchErrorKind{
	"ERC20: transfer amount exceeds balance":   domain.DispatchInsufficientBalance,
	"ERC20: transfer to the zero address":      domain.DispatchInvalidRecipient,
	"ERC20: transfer from the zero address":    domain.DispatchInvalidSender,
	"ERC20: insufficient allowance":            domain.DispatchAllowance,
	"ERC20: transfer amount exceeds allowance": domain.DispatchAllowance,
}

// DispatchTable resolves chain rejections into typed kinds. It is built once
// at startup from the token error ABI.
type DispatchTable struct {
	kinds     map[dispatchKey]domain.DispatchErrorKind
	selectors map[[4]byte]abi.Error
}

func NewDispatchTable() (*DispatchTable, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ErrorsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token error ABI: %w", err)
	}

	t := &DispatchTable{
		kinds:     make(map[dispatchKey]domain.DispatchErrorKind),
		selectors: make(map[[4]byte]abi.Error),
	}

	byName := map[string]domain.DispatchErrorKind{
		"ERC20InsufficientBalance":   domain.DispatchInsufficientBalance,
		"ERC20InvalidSender":         domain.DispatchInvalidSender,
		"ERC20InvalidReceiver":       domain.DispatchInvalidRecipient,
		"ERC20InsufficientAllowance": domain.DispatchAllowance,
		"ERC20InvalidApprover":       domain.DispatchAllowance,
		"ERC20InvalidSpender":        domain.DispatchAllowance,
	}
	for name, abiErr := range parsed.Errors {
		var sel [4]byte
		copy(sel[:], abiErr.ID[:4])
		t.selectors[sel] = abiErr

		kind, ok := byName[name]
		if !ok {
			kind = domain.DispatchReverted
		}
		t.kinds[dispatchKey{SectionERC20, name}] = kind
	}

	for _, r := range txPoolRejections {
		t.kinds[dispatchKey{SectionTxPool, r.name}] = r.kind
	}
	for reason, kind := range legacyRevertReasons {
		t.kinds[dispatchKey{SectionRevert, reason}] = kind
	}

	return t, nil
}

// Kind looks up a (section, name) pair
func (t *DispatchTable) Kind(section, name string) domain.DispatchErrorKind {
	if kind, ok := t.kinds[dispatchKey{section, name}]; ok {
		return kind
	}
	return domain.DispatchUnknown
}

// FromSubmission classifies an error returned by eth_sendRawTransaction.
// Only a JSON-RPC error response is a certain rejection; transport errors are
// ambiguous because the node may have accepted the transaction.
func (t *DispatchTable) FromSubmission(err error, txHash string) (*domain.DispatchError, bool) {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return nil, false
	}

	msg := strings.ToLower(rpcErr.Error())
	for _, r := range txPoolRejections {
		if strings.Contains(msg, r.fragment) {
			return &domain.DispatchError{
				Kind:    t.Kind(SectionTxPool, r.name),
				Section: SectionTxPool,
				Name:    r.name,
				TxHash:  txHash,
				Detail:  rpcErr.Error(),
			}, true
		}
	}

	if de := t.fromDataError(err, txHash); de != nil {
		return de, true
	}

	return &domain.DispatchError{
		Kind:    domain.DispatchUnknown,
		Section: SectionTxPool,
		Name:    fmt.Sprintf("code_%d", rpcErr.ErrorCode()),
		TxHash:  txHash,
		Detail:  rpcErr.Error(),
	}, true
}

// FromRevert decodes revert data replayed from a failed receipt
func (t *DispatchTable) FromRevert(data []byte, txHash string) *domain.DispatchError {
	de := &domain.DispatchError{
		Kind:    domain.DispatchReverted,
		Section: SectionRevert,
		Name:    "Reverted",
		TxHash:  txHash,
	}
	if len(data) < 4 {
		return de
	}

	if reason, err := abi.UnpackRevert(data); err == nil {
		de.Name = reason
		if kind := t.Kind(SectionRevert, reason); kind != domain.DispatchUnknown {
			de.Kind = kind
		}
		return de
	}

	var sel [4]byte
	copy(sel[:], data[:4])
	if abiErr, ok := t.selectors[sel]; ok {
		de.Section = SectionERC20
		de.Name = abiErr.Name
		de.Kind = t.Kind(SectionERC20, abiErr.Name)
		if args, err := abiErr.Unpack(data); err == nil {
			de.Detail = fmt.Sprintf("%v", args)
		}
		return de
	}

	de.Detail = "0x" + hex.EncodeToString(data)
	return de
}

func (t *DispatchTable) fromDataError(err error, txHash string) *domain.DispatchError {
	data := revertData(err)
	if data == nil {
		return nil
	}
	return t.FromRevert(data, txHash)
}

// revertData extracts revert bytes from an eth_call error, if present
func revertData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil
	}
	data, decErr := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if decErr != nil {
		return nil
	}
	return data
}
