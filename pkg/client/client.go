package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Hephaestus-V/PingPongBot/internal/constants"
	"github.com/Hephaestus-V/PingPongBot/pkg/contract"
)

// NonceSelector picks which account nonce to query
type NonceSelector int

const (
	// NoncePending counts transactions in the node's pool
	NoncePending NonceSelector = iota
	// NonceLatest counts only mined transactions
	NonceLatest
)

func (s NonceSelector) String() string {
	if s == NonceLatest {
		return "latest"
	}
	return "pending"
}

// Observer receives per-call RPC timings
type Observer interface {
	ObserveRPC(method string, duration time.Duration, err error)
}

// Client wraps the Ethereum JSON-RPC client with the signing account and
// target contract of the bot
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	logger    *zap.Logger

	key         *ecdsa.PrivateKey
	from        common.Address
	contract    common.Address
	gasFallback uint64
	timeout     time.Duration
	limiter     *rate.Limiter
	observer    Observer

	chainMu sync.Mutex
	chainID *big.Int
}

// Config holds client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration

	// PrivateKey is hex encoded, with or without 0x prefix
	PrivateKey string
	Contract   common.Address

	// GasLimitFallback is used when gas estimation fails
	GasLimitFallback uint64

	// RateLimit is requests per second; zero disables throttling
	RateLimit float64
	RateBurst int

	Observer Observer
	Logger   *zap.Logger
}

// PongRequest describes one signed pong attempt
type PongRequest struct {
	PingTxHash           common.Hash
	Nonce                uint64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// NewClient creates a new client. Dialing an HTTP endpoint does not contact
// the node, so connectivity is checked separately with Ping.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	c := newWithRPC(rpcClient, cfg, key, logger)
	c.endpoint = cfg.Endpoint
	return c, nil
}

func newWithRPC(rpcClient *rpc.Client, cfg *Config, key *ecdsa.PrivateKey, logger *zap.Logger) *Client {
	gasFallback := cfg.GasLimitFallback
	if gasFallback == 0 {
		gasFallback = constants.DefaultGasLimitFallback
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		ethClient:   ethclient.NewClient(rpcClient),
		rpcClient:   rpcClient,
		logger:      logger,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		contract:    cfg.Contract,
		gasFallback: gasFallback,
		timeout:     cfg.Timeout,
		limiter:     limiter,
		observer:    cfg.Observer,
	}
}

// call applies the rate limit and the per-call timeout
func (c *Client) call(ctx context.Context, method string) (context.Context, func(error), error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limiter wait for %s: %w", method, err)
		}
	}

	cancel := func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	start := time.Now()
	done := func(err error) {
		cancel()
		if c.observer != nil {
			c.observer.ObserveRPC(method, time.Since(start), err)
		}
	}
	return ctx, done, nil
}

// Ping verifies the connection to the RPC endpoint
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ChainID(ctx)
	return err
}

// Close closes the client connection
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// Address returns the signing account
func (c *Client) Address() common.Address {
	return c.from
}

// Contract returns the target contract
func (c *Client) Contract() common.Address {
	return c.contract
}

// ChainID returns the chain id, cached after the first successful call
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}

	ctx, done, err := c.call(ctx, "eth_chainId")
	if err != nil {
		return nil, err
	}
	id, err := c.ethClient.ChainID(ctx)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	c.chainID = id
	return id, nil
}

// BlockNumber returns the latest block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, done, err := c.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	n, err := c.ethClient.BlockNumber(ctx)
	done(err)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return n, nil
}

// LatestBaseFee returns the base fee of the latest block, or nil on chains
// without a fee market
func (c *Client) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	ctx, done, err := c.call(ctx, "eth_getBlockByNumber")
	if err != nil {
		return nil, err
	}
	header, err := c.ethClient.HeaderByNumber(ctx, nil)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	if header.BaseFee == nil {
		return nil, nil
	}
	return new(big.Int).Set(header.BaseFee), nil
}

// FilterLogs returns logs emitted by address matching topic0 in [from, to]
func (c *Client) FilterLogs(ctx context.Context, address common.Address, topic common.Hash, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic}},
	}

	ctx, done, err := c.call(ctx, "eth_getLogs")
	if err != nil {
		return nil, err
	}
	logs, err := c.ethClient.FilterLogs(ctx, query)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs [%d, %d]: %w", from, to, err)
	}
	return logs, nil
}

// TransactionReceipt returns the receipt for hash, or nil if the transaction
// is not mined yet
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, done, err := c.call(ctx, "eth_getTransactionReceipt")
	if err != nil {
		return nil, err
	}
	receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		done(nil)
		return nil, nil
	}
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// Nonce returns the signing account's nonce
func (c *Client) Nonce(ctx context.Context, selector NonceSelector) (uint64, error) {
	ctx, done, err := c.call(ctx, "eth_getTransactionCount")
	if err != nil {
		return 0, err
	}

	var nonce uint64
	switch selector {
	case NonceLatest:
		nonce, err = c.ethClient.NonceAt(ctx, c.from, nil)
	default:
		nonce, err = c.ethClient.PendingNonceAt(ctx, c.from)
	}
	done(err)
	if err != nil {
		return 0, fmt.Errorf("failed to get %s nonce: %w", selector, err)
	}
	return nonce, nil
}

// EstimatePongGas estimates gas for pong(pingTxHash) with headroom, falling
// back to the configured limit when the node cannot estimate
func (c *Client) EstimatePongGas(ctx context.Context, pingTxHash common.Hash) uint64 {
	data, err := contract.PackPong(pingTxHash)
	if err != nil {
		return c.gasFallback
	}

	ctx, done, err := c.call(ctx, "eth_estimateGas")
	if err != nil {
		return c.gasFallback
	}
	to := c.contract
	gas, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &to,
		Data: data,
	})
	done(err)
	if err != nil {
		c.logger.Warn("gas estimation failed, using fallback",
			zap.String("ping_tx", pingTxHash.Hex()),
			zap.Uint64("fallback", c.gasFallback),
			zap.Error(err))
		return c.gasFallback
	}

	return gas * (100 + constants.GasLimitHeadroomPercent) / 100
}

// SignPong builds and signs a dynamic-fee pong transaction. The returned
// hash is final before broadcast.
func (c *Client) SignPong(ctx context.Context, req PongRequest) (*types.Transaction, error) {
	if req.MaxFeePerGas == nil || req.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("fees cannot be nil")
	}

	data, err := contract.PackPong(req.PingTxHash)
	if err != nil {
		return nil, err
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	gas := req.GasLimit
	if gas == 0 {
		gas = c.gasFallback
	}

	to := c.contract
	tx, err := types.SignNewTx(c.key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     req.Nonce,
		GasTipCap: new(big.Int).Set(req.MaxPriorityFeePerGas),
		GasFeeCap: new(big.Int).Set(req.MaxFeePerGas),
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign pong transaction: %w", err)
	}
	return tx, nil
}

// SendTransaction broadcasts a signed transaction. Errors are classified
// with ClassifySendError.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, done, err := c.call(ctx, "eth_sendRawTransaction")
	if err != nil {
		return err
	}
	err = c.ethClient.SendTransaction(ctx, tx)
	done(err)
	if err != nil {
		return ClassifySendError(err)
	}
	return nil
}
