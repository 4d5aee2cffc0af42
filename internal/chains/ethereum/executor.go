// internal/chains/ethereum/executor.go
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"settlement-service/internal/domain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

type ExecutorConfig struct {
	FinalityTimeout time.Duration
	PollInterval    time.Duration // used when the node cannot push new heads
	GasLimitNative  uint64
	GasLimitAsset   uint64
	MaxFeePerGas    *big.Int
}

func (c *ExecutorConfig) withDefaults() {
	if c.FinalityTimeout <= 0 {
		c.FinalityTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.GasLimitNative == 0 {
		c.GasLimitNative = 21000
	}
	if c.GasLimitAsset == 0 {
		c.GasLimitAsset = 65000
	}
	if c.MaxFeePerGas == nil {
		c.MaxFeePerGas = big.NewInt(100e9)
	}
}

// Executor sends transfers from the custodial wallet and waits for finality
type Executor struct {
	client *Client
	signer *Signer
	nonces *NonceManager
	table  *DispatchTable
	cfg    ExecutorConfig
	logger *zap.Logger
}

func NewExecutor(client *Client, signer *Signer, nonces *NonceManager, table *DispatchTable, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	cfg.withDefaults()
	return &Executor{
		client: client,
		signer: signer,
		nonces: nonces,
		table:  table,
		cfg:    cfg,
		logger: logger,
	}
}

// CustodialAddress is the address deposits are sent to and withdrawals paid from
func (e *Executor) CustodialAddress() string {
	return e.signer.Address().Hex()
}

// Execute signs, records, broadcasts and awaits finality of one transfer.
// onSigned receives the hash before broadcast; an error from it aborts with
// nothing sent.
//
// Errors:
//   - *domain.DispatchError: certain failure, no funds left the wallet
//   - *domain.ChainTimeoutError: broadcast, outcome unknown
//   - anything else: nothing was broadcast
func (e *Executor) Execute(ctx context.Context, req *domain.TransferRequest, onSigned func(ctx context.Context, txHash string) error) (*domain.TransferReceipt, error) {
	if req.Token == nil || req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: transfer requires token and positive amount", domain.ErrInvalidInput)
	}
	if err := ValidateAddress(req.To); err != nil {
		return nil, err
	}

	e.logger.Info("Executing transfer",
		zap.String("request_id", req.RequestID),
		zap.String("token", req.Token.Symbol),
		zap.String("to", req.To),
		zap.String("amount", req.Amount.String()))

	msg, err := e.buildCall(req)
	if err != nil {
		return nil, err
	}

	gas, err := e.gasLimit(ctx, req.Token, msg)
	if err != nil {
		return nil, err
	}

	tipCap, feeCap, err := e.fees(ctx)
	if err != nil {
		return nil, err
	}

	lease, err := e.nonces.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	var broadcast string
	defer func() { lease.Release(ctx, broadcast) }()

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.client.ChainID(),
		Nonce:     lease.Nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        msg.To,
		Value:     msg.Value,
		Data:      msg.Data,
	})

	signed, err := e.signer.Sign(tx)
	if err != nil {
		return nil, err
	}
	txHash := signed.Hash().Hex()

	if onSigned != nil {
		if err := onSigned(ctx, txHash); err != nil {
			return nil, fmt.Errorf("failed to record tx hash before broadcast: %w", err)
		}
	}

	// From here on the transaction is never rebuilt or resent.
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		switch {
		case isAlreadyKnown(err):
			e.logger.Info("Transaction already known to node", zap.String("tx_hash", txHash))
		default:
			if de, certain := e.table.FromSubmission(err, txHash); certain {
				e.logger.Warn("Transaction rejected by node",
					zap.String("request_id", req.RequestID),
					zap.String("tx_hash", txHash),
					zap.String("kind", de.Kind.String()),
					zap.Error(err))
				return nil, de
			}
			e.logger.Warn("Broadcast outcome unknown, waiting for inclusion",
				zap.String("request_id", req.RequestID),
				zap.String("tx_hash", txHash),
				zap.Error(err))
		}
	}
	broadcast = txHash
	lease.Release(ctx, txHash)

	e.logger.Info("Transaction broadcast",
		zap.String("request_id", req.RequestID),
		zap.String("tx_hash", txHash),
		zap.Uint64("nonce", signed.Nonce()))

	return e.awaitFinality(ctx, signed, msg)
}

// awaitFinality follows new heads until the receipt is at or below the
// finalized block. Cancelling ctx stops the wait, never the transaction.
func (e *Executor) awaitFinality(ctx context.Context, tx *types.Transaction, msg ethereum.CallMsg) (*domain.TransferReceipt, error) {
	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.FinalityTimeout)
	defer cancel()

	heads := make(chan *types.Header, 16)
	var subErr <-chan error
	sub, err := e.client.SubscribeNewHead(waitCtx, heads)
	if err != nil {
		e.logger.Debug("New head subscription unavailable, polling",
			zap.String("tx_hash", tx.Hash().Hex()),
			zap.Error(err))
	} else {
		defer sub.Unsubscribe()
		subErr = sub.Err()
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, done, err := e.checkFinality(waitCtx, tx, msg)
		if err != nil {
			return nil, err
		}
		if done {
			e.logger.Info("Transaction finalized",
				zap.String("tx_hash", receipt.TxHash),
				zap.Uint64("block", receipt.BlockNumber),
				zap.Duration("elapsed", time.Since(started)))
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, &domain.ChainTimeoutError{
				TxHash: tx.Hash().Hex(),
				Waited: time.Since(started).Round(time.Millisecond).String(),
			}
		case <-heads:
		case err := <-subErr:
			e.logger.Debug("New head subscription dropped, polling", zap.Error(err))
			subErr = nil
		case <-ticker.C:
		}
	}
}

func (e *Executor) checkFinality(ctx context.Context, tx *types.Transaction, msg ethereum.CallMsg) (*domain.TransferReceipt, bool, error) {
	receipt, err := e.client.Receipt(ctx, tx.Hash())
	if err != nil || receipt == nil {
		if err != nil && ctx.Err() == nil {
			e.logger.Debug("Receipt lookup failed", zap.String("tx_hash", tx.Hash().Hex()), zap.Error(err))
		}
		return nil, false, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, false, e.revertError(ctx, tx, msg, receipt)
	}

	finalized, err := e.client.FinalizedHeader(ctx)
	if err != nil || finalized == nil {
		return nil, false, nil
	}
	if receipt.BlockNumber.Cmp(finalized.Number) > 0 {
		return nil, false, nil
	}

	fee := new(big.Int)
	if receipt.EffectiveGasPrice != nil {
		fee.Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}

	return &domain.TransferReceipt{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   receipt.BlockHash.Hex(),
		Fee:         fee,
		FinalizedAt: time.Now().UTC(),
	}, true, nil
}

// revertError replays a failed transaction to recover its revert data
func (e *Executor) revertError(ctx context.Context, tx *types.Transaction, msg ethereum.CallMsg, receipt *types.Receipt) error {
	var data []byte
	prev := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	if _, err := e.client.CallAt(ctx, msg, prev); err != nil {
		data = revertData(err)
	}
	de := e.table.FromRevert(data, tx.Hash().Hex())
	e.logger.Warn("Transaction reverted",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.String("kind", de.Kind.String()),
		zap.String("name", de.Name))
	return de
}

// ============================================================================
// Transaction building
// ============================================================================

func (e *Executor) buildCall(req *domain.TransferRequest) (ethereum.CallMsg, error) {
	to := common.HexToAddress(req.To)
	msg := ethereum.CallMsg{From: e.signer.Address()}

	if req.Token.IsNative() {
		msg.To = &to
		msg.Value = new(big.Int).Set(req.Amount)
		return msg, nil
	}

	if req.Token.ContractAddr == nil {
		return msg, fmt.Errorf("contract address required for token transfer")
	}
	data, err := packTransfer(to, req.Amount)
	if err != nil {
		return msg, err
	}
	contract := common.HexToAddress(*req.Token.ContractAddr)
	msg.To = &contract
	msg.Value = big.NewInt(0)
	msg.Data = data
	return msg, nil
}

// gasLimit estimates asset transfers so a transfer that would revert is
// rejected before anything is signed.
func (e *Executor) gasLimit(ctx context.Context, token *domain.Token, msg ethereum.CallMsg) (uint64, error) {
	if token.IsNative() {
		return e.cfg.GasLimitNative, nil
	}

	gas, err := e.client.EstimateGas(ctx, msg)
	if err != nil {
		if data := revertData(err); data != nil {
			return 0, e.table.FromRevert(data, "")
		}
		e.logger.Debug("Gas estimation failed, using default",
			zap.String("token", token.Symbol),
			zap.Error(err))
		return e.cfg.GasLimitAsset, nil
	}
	// 20% headroom
	return gas + gas/5, nil
}

func (e *Executor) fees(ctx context.Context) (tipCap, feeCap *big.Int, err error) {
	tipCap, err = e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := e.client.LatestHeader(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tipCap)

	if feeCap.Cmp(e.cfg.MaxFeePerGas) > 0 {
		feeCap = new(big.Int).Set(e.cfg.MaxFeePerGas)
		if tipCap.Cmp(feeCap) > 0 {
			tipCap = new(big.Int).Set(feeCap)
		}
	}
	return tipCap, feeCap, nil
}

func isAlreadyKnown(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already known")
}
