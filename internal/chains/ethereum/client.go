// internal/chains/ethereum/client.go
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rpcBackend is the subset of *ethclient.Client this package calls
type rpcBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

type dialFunc func(ctx context.Context, url string) (rpcBackend, error)

func dialEthclient(ctx context.Context, url string) (rpcBackend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type Config struct {
	RPCURL         string
	RequestsPerSec float64
	Burst          int
	DialTimeout    time.Duration
	MaxReconnect   time.Duration
}

// Client is a lifecycle-managed connection handle. Every call goes through
// the rate limiter and a broken connection is redialled with backoff.
type Client struct {
	cfg     Config
	dial    dialFunc
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.RWMutex
	backend rpcBackend
	chainID *big.Int
}

func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	return newClient(ctx, cfg, dialEthclient, logger)
}

func newClient(ctx context.Context, cfg Config, dial dialFunc, logger *zap.Logger) (*Client, error) {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = time.Minute
	}

	c := &Client{
		cfg:     cfg,
		dial:    dial,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		logger:  logger,
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	chainID, err := c.backendNow().ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	c.chainID = chainID

	logger.Info("Chain client connected",
		zap.String("rpc", redactURL(cfg.RPCURL)),
		zap.String("chain_id", chainID.String()))

	return c, nil
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
}

// connect dials with exponential backoff until MaxReconnect elapses
func (c *Client) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.cfg.MaxReconnect

	op := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()

		backend, err := c.dial(dialCtx, c.cfg.RPCURL)
		if err != nil {
			return err
		}

		c.mu.Lock()
		old := c.backend
		c.backend = backend
		c.mu.Unlock()

		if old != nil {
			old.Close()
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Chain RPC dial failed, retrying",
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect to chain RPC: %w", err)
	}
	return nil
}

func (c *Client) backendNow() rpcBackend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend
}

// do runs fn against the live backend, redialling once on a connection error
func (c *Client) do(ctx context.Context, fn func(rpcBackend) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	backend := c.backendNow()
	if backend == nil {
		if err := c.connect(ctx); err != nil {
			return err
		}
		backend = c.backendNow()
	}

	err := fn(backend)
	if err == nil || !isConnectionError(err) {
		return err
	}

	c.logger.Warn("Chain RPC connection lost, reconnecting", zap.Error(err))
	if rerr := c.connect(ctx); rerr != nil {
		return errors.Join(err, rerr)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn(c.backendNow())
}

// ============================================================================
// RPC wrappers
// ============================================================================

func (c *Client) HeadNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		n, err = b.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *Client) FinalizedHeader(ctx context.Context) (*types.Header, error) {
	var h *types.Header
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		h, err = b.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
		return err
	})
	return h, err
}

func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	var blk *types.Block
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		blk, err = b.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	return blk, err
}

// Receipt returns (nil, nil) when the node does not know the transaction yet
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		r, err = b.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return r, err
}

// TxKnown reports whether the node has the transaction, mined or pending
func (c *Client) TxKnown(ctx context.Context, hash common.Hash) (bool, error) {
	err := c.do(ctx, func(b rpcBackend) error {
		_, _, err := b.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	var n uint64
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		n, err = b.PendingNonceAt(ctx, account)
		return err
	})
	return n, err
}

func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	var h *types.Header
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		h, err = b.HeaderByNumber(ctx, nil)
		return err
	})
	return h, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var tip *big.Int
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		tip, err = b.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		gas, err = b.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// CallAt replays msg against the state at blockNumber
func (c *Client) CallAt(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		out, err = b.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// SendTransaction is never retried on a connection error: the node may have
// accepted the transaction before the connection dropped.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	backend := c.backendNow()
	if backend == nil {
		return fmt.Errorf("chain RPC not connected")
	}
	return backend.SendTransaction(ctx, tx)
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := c.do(ctx, func(b rpcBackend) error {
		var err error
		sub, err = b.SubscribeNewHead(ctx, ch)
		return err
	})
	return sub, err
}

// ============================================================================
// Helpers
// ============================================================================

func isConnectionError(err error) bool {
	if errors.Is(err, rpc.ErrClientQuit) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "eof", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func redactURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			return u[:i+3] + rest[:j] + "/***"
		}
	}
	return u
}
