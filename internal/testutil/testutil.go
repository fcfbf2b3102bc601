// Package testutil provides fakes and builders shared by package tests.
package testutil

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Hephaestus-V/PingPongBot/pkg/contract"
	"github.com/Hephaestus-V/PingPongBot/pkg/scanner"
)

// ContractAddress is the PingPong contract used across tests
var ContractAddress = common.HexToAddress("0xa7f42ff7433cb268dd7d59be62b00c30ded28d3d")

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// NewTestReceipt creates a receipt for txHash mined at blockNumber
func NewTestReceipt(txHash common.Hash, blockNumber uint64, status uint64) *types.Receipt {
	return &types.Receipt{
		Type:              types.DynamicFeeTxType,
		Status:            status,
		CumulativeGasUsed: 26000,
		BlockNumber:       new(big.Int).SetUint64(blockNumber),
		TxHash:            txHash,
		GasUsed:           26000,
		Logs:              []*types.Log{},
	}
}

// BlockHash returns a deterministic block hash for a block number
func BlockHash(block uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(0xb10c0000 + block))
}

// PingTxHash returns a deterministic Ping transaction hash for a position
func PingTxHash(block uint64, logIndex uint) common.Hash {
	return common.HexToHash(fmt.Sprintf("0x%x%04x", block, logIndex))
}

// NewPingLog creates a Ping log emitted by the test contract
func NewPingLog(block uint64, logIndex uint) types.Log {
	return types.Log{
		Address:     ContractAddress,
		Topics:      []common.Hash{contract.PingTopic},
		BlockNumber: block,
		BlockHash:   BlockHash(block),
		TxHash:      PingTxHash(block, logIndex),
		Index:       logIndex,
	}
}

// NewPingEvent creates the normalized form of NewPingLog
func NewPingEvent(block uint64, logIndex uint) scanner.Event {
	l := NewPingLog(block, logIndex)
	return scanner.Event{
		Address:     l.Address,
		BlockHash:   l.BlockHash,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		Topics:      l.Topics,
	}
}
