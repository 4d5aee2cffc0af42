package ethereum

import (
	"context"
	"math/big"
	"testing"

	"settlement-service/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	custodial = common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	contract  = common.HexToAddress("0x2B5AD5c4795c026514f8317c7a215E218DcCD6cF")
)

func signedTransfer(t *testing.T, nonce uint64, to common.Address, value *big.Int, data []byte) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1e9),
		GasFeeCap: big.NewInt(3e9),
		Gas:       65000,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	return signed, crypto.PubkeyToAddress(key.PublicKey)
}

func transferLog(token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

func TestObserver_LocateNativeTransfer(t *testing.T) {
	backend := newFakeBackend(90)
	tx, sender := signedTransfer(t, 0, custodial, big.NewInt(5_000), nil)
	backend.include(tx, types.ReceiptStatusSuccessful)
	backend.head = 100

	obs := NewObserver(newTestClient(t, backend), zap.NewNop())
	got, err := obs.Locate(context.Background(), tx.Hash().Hex(), 100)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, uint64(91), got.BlockNumber)
	assert.Equal(t, uint(0), got.TxIndex)
	assert.True(t, got.Success)
	assert.Equal(t, sender.Hex(), got.Sender)
	require.Len(t, got.Transfers, 1)
	assert.Equal(t, domain.TokenKindNative, got.Transfers[0].Kind)
	assert.Equal(t, custodial.Hex(), got.Transfers[0].To)
	assert.Equal(t, "5000", got.Transfers[0].Amount.String())
}

func TestObserver_LocateAssetTransfer(t *testing.T) {
	backend := newFakeBackend(10)
	data, err := packTransfer(custodial, big.NewInt(777))
	require.NoError(t, err)
	tx, sender := signedTransfer(t, 3, contract, big.NewInt(0), data)
	backend.include(tx, types.ReceiptStatusSuccessful, transferLog(contract, sender, custodial, big.NewInt(777)))

	obs := NewObserver(newTestClient(t, backend), zap.NewNop())
	got, err := obs.Locate(context.Background(), tx.Hash().Hex(), 100)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.Len(t, got.Transfers, 1)
	ev := got.Transfers[0]
	assert.Equal(t, domain.TokenKindAsset, ev.Kind)
	assert.Equal(t, contract.Hex(), ev.AssetID)
	assert.Equal(t, sender.Hex(), ev.From)
	assert.Equal(t, custodial.Hex(), ev.To)
	assert.Equal(t, "777", ev.Amount.String())
}

func TestObserver_FailedReceipt(t *testing.T) {
	backend := newFakeBackend(10)
	tx, _ := signedTransfer(t, 0, custodial, big.NewInt(1), nil)
	backend.include(tx, types.ReceiptStatusFailed)

	obs := NewObserver(newTestClient(t, backend), zap.NewNop())
	got, err := obs.Locate(context.Background(), tx.Hash().Hex(), 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Success)
}

func TestObserver_OutsideWindowIsNotFound(t *testing.T) {
	backend := newFakeBackend(49)
	tx, _ := signedTransfer(t, 0, custodial, big.NewInt(1), nil)
	backend.include(tx, types.ReceiptStatusSuccessful) // block 50
	backend.head = 100

	obs := NewObserver(newTestClient(t, backend), zap.NewNop())

	got, err := obs.Locate(context.Background(), tx.Hash().Hex(), 10)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = obs.Locate(context.Background(), tx.Hash().Hex(), 51)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(50), got.BlockNumber)
}

func TestObserver_MalformedHash(t *testing.T) {
	obs := NewObserver(newTestClient(t, newFakeBackend(1)), zap.NewNop())
	_, err := obs.Locate(context.Background(), "0x1234", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestObserver_FinalizedNumber(t *testing.T) {
	backend := newFakeBackend(120)
	backend.finalized = 88

	obs := NewObserver(newTestClient(t, backend), zap.NewNop())
	n, err := obs.FinalizedNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(88), n)
}
