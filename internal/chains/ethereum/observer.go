// internal/chains/ethereum/observer.go
package ethereum

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Observer is the read-only side of the chain client
type Observer struct {
	client *Client
	signer types.Signer
	logger *zap.Logger
}

func NewObserver(client *Client, logger *zap.Logger) *Observer {
	return &Observer{
		client: client,
		signer: types.LatestSignerForChainID(client.ChainID()),
		logger: logger,
	}
}

// Locate scans backward from the current head through at most maxBlocksBack
// blocks looking for txHash. (nil, nil) means not included yet.
func (o *Observer) Locate(ctx context.Context, txHash string, maxBlocksBack uint64) (*domain.ChainTransferObservation, error) {
	if !isTxHash(txHash) {
		return nil, fmt.Errorf("%w: malformed tx hash", domain.ErrInvalidInput)
	}
	hash := common.HexToHash(txHash)

	head, err := o.client.HeadNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain head: %w", err)
	}

	if maxBlocksBack == 0 {
		maxBlocksBack = 1
	}
	var lowest uint64
	if head >= maxBlocksBack {
		lowest = head - maxBlocksBack + 1
	}

	for n := head; ; n-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		block, err := o.client.BlockByNumber(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("failed to get block %d: %w", n, err)
		}

		for i, tx := range block.Transactions() {
			if tx.Hash() != hash {
				continue
			}
			obs, err := o.observe(ctx, block, uint(i), tx)
			if err != nil {
				return nil, err
			}
			o.logger.Debug("Transaction located",
				zap.String("tx_hash", txHash),
				zap.Uint64("block", n),
				zap.Uint64("depth", head-n))
			return obs, nil
		}

		if n == lowest || n == 0 {
			break
		}
	}

	o.logger.Debug("Transaction not found in window",
		zap.String("tx_hash", txHash),
		zap.Uint64("head", head),
		zap.Uint64("max_blocks_back", maxBlocksBack))
	return nil, nil
}

// FinalizedNumber returns the number of the latest finalized block
func (o *Observer) FinalizedNumber(ctx context.Context) (uint64, error) {
	h, err := o.client.FinalizedHeader(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get finalized head: %w", err)
	}
	return h.Number.Uint64(), nil
}

func (o *Observer) observe(ctx context.Context, block *types.Block, index uint, tx *types.Transaction) (*domain.ChainTransferObservation, error) {
	receipt, err := o.client.Receipt(ctx, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt == nil {
		// indexed in a block but the node has no receipt yet
		return nil, nil
	}

	obs := &domain.ChainTransferObservation{
		TxHash:      tx.Hash().Hex(),
		BlockHash:   block.Hash().Hex(),
		BlockNumber: block.NumberU64(),
		TxIndex:     index,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		Timestamp:   time.Unix(int64(block.Time()), 0).UTC(),
	}

	if sender, err := types.Sender(o.signer, tx); err == nil {
		obs.Sender = sender.Hex()
	} else {
		o.logger.Warn("Failed to recover sender",
			zap.String("tx_hash", obs.TxHash),
			zap.Error(err))
	}

	if tx.To() != nil && tx.Value() != nil && tx.Value().Sign() > 0 {
		obs.Transfers = append(obs.Transfers, domain.TransferEvent{
			Kind:   domain.TokenKindNative,
			From:   obs.Sender,
			To:     tx.To().Hex(),
			Amount: tx.Value(),
		})
	}

	for _, l := range receipt.Logs {
		t, ok := decodeTransferLog(l)
		if !ok {
			continue
		}
		obs.Transfers = append(obs.Transfers, domain.TransferEvent{
			Kind:    domain.TokenKindAsset,
			AssetID: t.Token.Hex(),
			From:    t.From.Hex(),
			To:      t.To.Hex(),
			Amount:  t.Amount,
		})
	}

	return obs, nil
}
