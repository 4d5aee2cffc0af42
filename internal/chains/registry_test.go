package chains

import (
	"testing"

	"settlement-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	t.Run("should convert fee and minimum to smallest units", func(t *testing.T) {
		token, err := NewToken(TokenSpec{
			Symbol:        "hez",
			Kind:          domain.TokenKindNative,
			Decimals:      12,
			WithdrawFee:   "0.1",
			MinWithdrawal: "1",
		})
		require.NoError(t, err)
		assert.Equal(t, "HEZ", token.Symbol)
		assert.Equal(t, "100000000000", token.WithdrawFee.String())
		assert.Equal(t, "1000000000000", token.MinWithdrawal.String())
		assert.Nil(t, token.ContractAddr)
	})

	t.Run("should require a contract for assets", func(t *testing.T) {
		_, err := NewToken(TokenSpec{Symbol: "PEZ", Kind: domain.TokenKindAsset, Decimals: 12})
		assert.Error(t, err)
	})

	t.Run("should reject a minimum below the fee", func(t *testing.T) {
		_, err := NewToken(TokenSpec{Symbol: "PEZ", Kind: domain.TokenKindNative, Decimals: 12, WithdrawFee: "1", MinWithdrawal: "0.5"})
		assert.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	token, err := NewToken(TokenSpec{Symbol: "PEZ", Kind: domain.TokenKindAsset, Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 12})
	require.NoError(t, err)
	r.Register(token)

	got, err := r.Get("pez")
	require.NoError(t, err)
	assert.Same(t, token, got)

	_, err = r.Get("BTC")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, []string{"PEZ"}, r.List())
}
