package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Hephaestus-V/PingPongBot/pkg/client"
	"github.com/Hephaestus-V/PingPongBot/pkg/fees"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
	"github.com/Hephaestus-V/PingPongBot/pkg/scanner"
)

// Chain is the subset of the RPC client the engine drives transactions with
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Nonce(ctx context.Context, selector client.NonceSelector) (uint64, error)
	EstimatePongGas(ctx context.Context, pingTxHash common.Hash) uint64
	SignPong(ctx context.Context, req client.PongRequest) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// FeeEstimator prices new and replacement transactions
type FeeEstimator interface {
	Estimate(ctx context.Context, prior *fees.Fees) (fees.Fees, error)
}

// EventScanner returns the ordered Ping events of a block range
type EventScanner interface {
	Scan(ctx context.Context, from, to uint64) ([]scanner.Event, error)
}

// OutcomeRecorder stores resolved outcomes for operators
type OutcomeRecorder interface {
	Record(o outcome.Outcome) error
}
