package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a human amount ("12.5") to the smallest unit.
// More fractional digits than the token supports is an error, not a rounding.
func ParseAmount(amountStr string, decimals int) (*big.Int, error) {
	amountStr = strings.TrimSpace(amountStr)
	if amountStr == "" {
		return nil, fmt.Errorf("amount is empty")
	}

	d, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amountStr, decimals)
	}

	return scaled.BigInt(), nil
}

// ToMajorUnits converts a smallest-unit amount to a decimal in whole tokens
func ToMajorUnits(amount *big.Int, decimals int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, int32(-decimals))
}

// FormatBalance formats a smallest-unit amount as "1.5 HEZ"
func FormatBalance(balance *big.Int, decimals int, symbol string) string {
	return fmt.Sprintf("%s %s", FormatAmount(balance, decimals), symbol)
}

// FormatAmount formats a smallest-unit amount without trailing zeros
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	return ToMajorUnits(amount, decimals).String()
}

// StringPtr returns pointer to string
func StringPtr(s string) *string {
	return &s
}
