package testutil

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Hephaestus-V/PingPongBot/pkg/client"
	"github.com/Hephaestus-V/PingPongBot/pkg/contract"
)

// FakeChain is a scripted in-memory chain. It serves logs, receipts,
// nonces and base fees, and records every broadcast.
type FakeChain struct {
	mu sync.Mutex

	Head    uint64
	BaseFee *big.Int
	Gas     uint64

	PendingNonce uint64
	LatestNonce  uint64

	Logs     []types.Log
	Receipts map[common.Hash]*types.Receipt

	// Scripted failures. SendErrs is consumed one entry per broadcast; a nil
	// entry is a success.
	HeadErr    error
	ReceiptErr error
	NonceErr   error
	FilterErr  error
	SendErrs   []error

	Sent        []*types.Transaction
	FilterCalls int
}

// NewFakeChain creates a chain at head with a 10 gwei base fee
func NewFakeChain(head uint64) *FakeChain {
	return &FakeChain{
		Head:     head,
		BaseFee:  big.NewInt(10_000_000_000),
		Gas:      60000,
		Receipts: make(map[common.Hash]*types.Receipt),
	}
}

// AddPings appends Ping logs at block for each log index
func (c *FakeChain) AddPings(block uint64, logIndexes ...uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range logIndexes {
		c.Logs = append(c.Logs, NewPingLog(block, idx))
	}
}

// SetHead moves the chain head
func (c *FakeChain) SetHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Head = head
}

// Mine stores a receipt for hash at the current head and consumes its nonce
func (c *FakeChain) Mine(hash common.Hash, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Receipts[hash] = NewTestReceipt(hash, c.Head, status)
	c.LatestNonce++
	c.PendingNonce = c.LatestNonce
}

// LastSent returns the most recent broadcast, or nil
func (c *FakeChain) LastSent() *types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Sent) == 0 {
		return nil
	}
	return c.Sent[len(c.Sent)-1]
}

// SentCount returns the number of broadcasts
func (c *FakeChain) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

// BlockNumber returns the head
func (c *FakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeadErr != nil {
		return 0, c.HeadErr
	}
	return c.Head, nil
}

// LatestBaseFee returns the configured base fee
func (c *FakeChain) LatestBaseFee(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeadErr != nil {
		return nil, c.HeadErr
	}
	if c.BaseFee == nil {
		return nil, nil
	}
	return new(big.Int).Set(c.BaseFee), nil
}

// FilterLogs returns the stored logs matching the query
func (c *FakeChain) FilterLogs(_ context.Context, address common.Address, topic common.Hash, from, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FilterCalls++
	if c.FilterErr != nil {
		return nil, c.FilterErr
	}

	var out []types.Log
	for _, l := range c.Logs {
		if l.Address != address || l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// TransactionReceipt returns the stored receipt or nil
func (c *FakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReceiptErr != nil {
		return nil, c.ReceiptErr
	}
	return c.Receipts[hash], nil
}

// Nonce returns the pending or latest nonce
func (c *FakeChain) Nonce(_ context.Context, selector client.NonceSelector) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NonceErr != nil {
		return 0, c.NonceErr
	}
	if selector == client.NonceLatest {
		return c.LatestNonce, nil
	}
	return c.PendingNonce, nil
}

// EstimatePongGas returns the configured gas
func (c *FakeChain) EstimatePongGas(context.Context, common.Hash) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Gas
}

// SignPong builds an unsigned dynamic-fee pong; its hash is unique per
// nonce, fees and argument
func (c *FakeChain) SignPong(_ context.Context, req client.PongRequest) (*types.Transaction, error) {
	if req.MaxFeePerGas == nil || req.MaxPriorityFeePerGas == nil {
		return nil, errors.New("fees cannot be nil")
	}
	data, err := contract.PackPong(req.PingTxHash)
	if err != nil {
		return nil, err
	}
	to := ContractAddress
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     req.Nonce,
		GasTipCap: new(big.Int).Set(req.MaxPriorityFeePerGas),
		GasFeeCap: new(big.Int).Set(req.MaxFeePerGas),
		Gas:       req.GasLimit,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	}), nil
}

// SendTransaction records tx and returns the next scripted error. A
// successful initial broadcast reserves the nonce.
func (c *FakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, tx)

	var err error
	if len(c.SendErrs) > 0 {
		err = c.SendErrs[0]
		c.SendErrs = c.SendErrs[1:]
	}
	if err == nil && tx.Nonce() == c.PendingNonce {
		c.PendingNonce++
	}
	return err
}
