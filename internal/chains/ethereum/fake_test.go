package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testChainID = big.NewInt(1337)

type jsonRPCError struct {
	code int
	msg  string
	data interface{}
}

func (e *jsonRPCError) Error() string          { return e.msg }
func (e *jsonRPCError) ErrorCode() int         { return e.code }
func (e *jsonRPCError) ErrorData() interface{} { return e.data }

// fakeBackend is an in-memory chain. onSend decides what happens to a
// broadcast transaction.
type fakeBackend struct {
	mu        sync.Mutex
	head      uint64
	finalized uint64
	blocks    map[uint64]*types.Block
	receipts  map[common.Hash]*types.Receipt
	nonce     uint64
	sent      []*types.Transaction

	sendErr     error
	estimateErr error
	callErr     error
	blockErr    error
	onSend      func(f *fakeBackend, tx *types.Transaction)
	closed      bool
}

func newFakeBackend(head uint64) *fakeBackend {
	return &fakeBackend{
		head:      head,
		finalized: head,
		blocks:    make(map[uint64]*types.Block),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(testChainID), nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number != nil && number.Int64() == int64(rpc.FinalizedBlockNumber) {
		return &types.Header{Number: new(big.Int).SetUint64(f.finalized)}, nil
	}
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(1e9)}, nil
}

func (f *fakeBackend) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	if blk, ok := f.blocks[number.Uint64()]; ok {
		return blk, nil
	}
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).Set(number)}), nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			_, mined := f.receipts[hash]
			return tx, !mined, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2e9), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50000, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return nil, f.callErr
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce = tx.Nonce() + 1
	if f.onSend != nil {
		f.onSend(f, tx)
	}
	return nil
}

func (f *fakeBackend) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// include mines tx into the next block with the given status; caller holds mu
func (f *fakeBackend) include(tx *types.Transaction, status uint64, logs ...*types.Log) *types.Receipt {
	f.head++
	n := f.head
	blk := types.NewBlockWithHeader(&types.Header{
		Number: new(big.Int).SetUint64(n),
		Time:   uint64(time.Now().Unix()),
	}).WithBody(types.Body{Transactions: []*types.Transaction{tx}})
	f.blocks[n] = blk

	r := &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(n),
		BlockHash:         blk.Hash(),
		Logs:              logs,
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(3e9),
	}
	f.receipts[tx.Hash()] = r
	return r
}

func (f *fakeBackend) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	dial := func(ctx context.Context, url string) (rpcBackend, error) { return backend, nil }
	c, err := newClient(context.Background(), Config{
		RPCURL:         "http://fake-node:8545",
		RequestsPerSec: 10000,
		Burst:          10000,
	}, dial, zap.NewNop())
	require.NoError(t, err)
	return c
}
