// Package outcome describes how a Ping was finally answered.
package outcome

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is the terminal state of a pong transaction
type Kind string

const (
	// Confirmed means the pong was mined and succeeded
	Confirmed Kind = "confirmed"
	// Reverted means the pong was mined but its execution failed
	Reverted Kind = "reverted"
	// MinedWithoutReceipt means the account nonce moved past the pong
	// before any of its hashes produced a receipt
	MinedWithoutReceipt Kind = "mined_without_receipt"
	// Abandoned means the replacement budget ran out
	Abandoned Kind = "abandoned"
)

// Severity levels attached to alerts
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Severity returns the alert severity of k. A pong that went missing
// without a receipt is worth a look but is not a failure.
func (k Kind) Severity() string {
	switch k {
	case Abandoned:
		return SeverityError
	case Reverted, MinedWithoutReceipt:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// Outcome is the record of one resolved Ping
type Outcome struct {
	Kind         Kind        `json:"kind"`
	EventKey     string      `json:"eventKey"`
	PingTxHash   common.Hash `json:"pingTxHash"`
	PingBlock    uint64      `json:"pingBlock,omitempty"`
	PingLogIndex uint        `json:"pingLogIndex"`

	// TxHash is the last broadcast hash of the pong
	TxHash               common.Hash `json:"txHash"`
	Nonce                uint64      `json:"nonce"`
	Replacements         int         `json:"replacements"`
	MaxFeePerGas         string      `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string      `json:"maxPriorityFeePerGas"`

	// Receipt fields, set for Confirmed and Reverted
	ReceiptBlock uint64 `json:"receiptBlock,omitempty"`
	GasUsed      uint64 `json:"gasUsed,omitempty"`

	ResolvedAt time.Time `json:"resolvedAt"`
	RunID      string    `json:"runId,omitempty"`
}
