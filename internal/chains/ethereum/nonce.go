// internal/chains/ethereum/nonce.go
package ethereum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// LockFunc acquires a lock shared by every replica that signs with the same key
type LockFunc func(ctx context.Context, resource string, ttl time.Duration) (release func(context.Context) error, err error)

// NonceManager serialises nonce assignment for one signer. Holders keep the
// lock from nonce assignment until the broadcast attempt returns.
type NonceManager struct {
	client  *Client
	address common.Address
	lock    LockFunc
	lockTTL time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	next     *uint64
	lastHash common.Hash
}

func NewNonceManager(client *Client, address common.Address, lock LockFunc, logger *zap.Logger) *NonceManager {
	return &NonceManager{
		client:  client,
		address: address,
		lock:    lock,
		lockTTL: 30 * time.Second,
		logger:  logger,
	}
}

// NonceLease is released with the hash of a transaction carrying the nonce
// once it may have reached the network, or an empty hash otherwise.
type NonceLease struct {
	Nonce   uint64
	m       *NonceManager
	release func(context.Context) error
	done    bool
}

func (m *NonceManager) Acquire(ctx context.Context) (*NonceLease, error) {
	m.mu.Lock()

	var release func(context.Context) error
	if m.lock != nil {
		r, err := m.lock(ctx, "nonce:"+m.address.Hex(), m.lockTTL)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to acquire nonce lock: %w", err)
		}
		release = r
	}

	pending, err := m.client.PendingNonce(ctx, m.address)
	if err != nil {
		m.unlock(ctx, release)
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	nonce := pending
	if m.next != nil && *m.next > nonce {
		nonce = *m.next
		// The node is behind our counter. If it never saw the last
		// transaction, the counter points past a gap that will never fill.
		known, err := m.client.TxKnown(ctx, m.lastHash)
		if err == nil && !known {
			m.logger.Warn("Last broadcast unknown to node, resyncing nonce",
				zap.String("signer", m.address.Hex()),
				zap.String("tx_hash", m.lastHash.Hex()),
				zap.Uint64("local_next", *m.next),
				zap.Uint64("node_pending", pending))
			m.next = nil
			nonce = pending
		}
	}

	return &NonceLease{Nonce: nonce, m: m, release: release}, nil
}

// Release returns the lease. A nonce that never reached the network is
// handed out again.
func (l *NonceLease) Release(ctx context.Context, txHash string) {
	if l.done {
		return
	}
	l.done = true

	m := l.m
	if txHash != "" {
		next := l.Nonce + 1
		m.next = &next
		m.lastHash = common.HexToHash(txHash)
	} else {
		m.next = nil
	}
	m.unlock(ctx, l.release)
}

func (m *NonceManager) unlock(ctx context.Context, release func(context.Context) error) {
	if release != nil {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("Failed to release nonce lock",
				zap.String("signer", m.address.Hex()),
				zap.Error(err))
		}
	}
	m.mu.Unlock()
}
