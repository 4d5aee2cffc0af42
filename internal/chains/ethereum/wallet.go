// internal/chains/ethereum/wallet.go
package ethereum

import (
	"fmt"
	"strings"

	"settlement-service/internal/domain"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateAddress accepts all-lowercase, all-uppercase or correctly
// checksummed hex addresses and rejects the zero address.
func ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: invalid address format", domain.ErrInvalidInput)
	}

	addr := common.HexToAddress(address)
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero address", domain.ErrInvalidInput)
	}

	body := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	mixed := strings.ToLower(body) != body && strings.ToUpper(body) != body
	if mixed && addr.Hex()[2:] != body {
		return fmt.Errorf("%w: invalid address checksum", domain.ErrInvalidInput)
	}

	return nil
}

// NormalizeAddress returns the canonical checksummed form used for exact
// recipient comparison.
func NormalizeAddress(address string) (string, error) {
	if err := ValidateAddress(address); err != nil {
		return "", err
	}
	return common.HexToAddress(address).Hex(), nil
}

func isTxHash(s string) bool {
	body := strings.TrimPrefix(s, "0x")
	if len(body) != 64 || len(body) == len(s) {
		return false
	}
	for _, c := range body {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// ValidateTxHash checks the 0x-prefixed 32-byte hex form
func ValidateTxHash(s string) error {
	if !isTxHash(s) {
		return fmt.Errorf("%w: malformed tx hash", domain.ErrInvalidInput)
	}
	return nil
}
