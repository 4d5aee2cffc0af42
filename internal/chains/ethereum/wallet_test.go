package ethereum

import (
	"testing"

	"settlement-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{"checksummed", "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", false},
		{"lowercase", "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf", false},
		{"bad checksum", "0x7E5F4552091A69125d5DfCb7b8C2659029395BDf", true},
		{"too short", "0x7e5f4552091a", true},
		{"zero address", "0x0000000000000000000000000000000000000000", true},
		{"not hex", "hello", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")
	require.NoError(t, err)
	assert.Equal(t, "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", got)
}

func TestValidateTxHash(t *testing.T) {
	assert.NoError(t, ValidateTxHash("0x"+"ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"))
	assert.Error(t, ValidateTxHash("ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"))
	assert.Error(t, ValidateTxHash("0xzz12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"))
}
