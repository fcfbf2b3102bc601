// Package state holds the recoverable engine state and its crash-safe
// persistence.
package state

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Hephaestus-V/PingPongBot/internal/constants"
)

// EngineState is everything the engine needs to resume after a restart
type EngineState struct {
	// StartBlock is the immutable scan floor
	StartBlock uint64 `json:"startBlock"`

	// CursorBlock and CursorLogIndex mark the last fully resolved position.
	// CursorLogIndex is -1 when no log of CursorBlock has been handled.
	CursorBlock    int64 `json:"lastProcessedBlock"`
	CursorLogIndex int64 `json:"lastProcessedLogIndex"`

	Dedup DedupWindow `json:"recentProcessedKeys"`

	// Pending is the single outstanding pong, if any
	Pending *PendingTx `json:"pendingTx,omitempty"`
}

// NewEngineState returns a fresh state positioned just before startBlock
func NewEngineState(startBlock uint64, recentSetSize int) *EngineState {
	return &EngineState{
		StartBlock:     startBlock,
		CursorBlock:    int64(startBlock) - 1,
		CursorLogIndex: constants.BeforeFirstLog,
		Dedup:          *NewDedupWindow(recentSetSize),
	}
}

// IsAfterCursor reports whether (block, logIndex) has not been resolved yet
func (s *EngineState) IsAfterCursor(block uint64, logIndex uint) bool {
	b := int64(block)
	if b != s.CursorBlock {
		return b > s.CursorBlock
	}
	return int64(logIndex) > s.CursorLogIndex
}

// AdvanceCursor moves the cursor forward to (block, logIndex). It never
// moves backwards and reports whether it moved.
func (s *EngineState) AdvanceCursor(block uint64, logIndex int64) bool {
	b := int64(block)
	if b < s.CursorBlock || (b == s.CursorBlock && logIndex <= s.CursorLogIndex) {
		return false
	}
	s.CursorBlock = b
	s.CursorLogIndex = logIndex
	return true
}

// ScanStart returns the first block the next scan must cover. A cursor in
// the middle of a block rescans that block so later logs in it are not lost.
func (s *EngineState) ScanStart() uint64 {
	next := s.CursorBlock + 1
	if s.CursorLogIndex >= 0 {
		next = s.CursorBlock
	}
	if next < int64(s.StartBlock) {
		return s.StartBlock
	}
	return uint64(next)
}

// Clone returns a deep copy
func (s *EngineState) Clone() *EngineState {
	cp := *s
	cp.Dedup = *s.Dedup.Clone()
	if s.Pending != nil {
		p := s.Pending.Clone()
		cp.Pending = &p
	}
	return &cp
}

// PendingTx is the single outstanding pong transaction
type PendingTx struct {
	Nonce                uint64
	TxHash               common.Hash
	EventKey             string
	SentAtBlock          uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	ReplacementCount     int
	PingTxHash           common.Hash

	// PingBlock and PingLogIndex locate the originating event. A zero
	// PingBlock means the position is unknown.
	PingBlock    uint64
	PingLogIndex uint

	// GasLimit is reused by replacements; zero means estimate again
	GasLimit uint64
}

// HasPosition reports whether the originating event position is known
func (p *PendingTx) HasPosition() bool {
	return p.PingBlock > 0
}

// Clone returns a deep copy
func (p PendingTx) Clone() PendingTx {
	cp := p
	if p.MaxFeePerGas != nil {
		cp.MaxFeePerGas = new(big.Int).Set(p.MaxFeePerGas)
	}
	if p.MaxPriorityFeePerGas != nil {
		cp.MaxPriorityFeePerGas = new(big.Int).Set(p.MaxPriorityFeePerGas)
	}
	return cp
}

type pendingTxJSON struct {
	Nonce                uint64      `json:"nonce"`
	TxHash               common.Hash `json:"txHash"`
	PingKey              string      `json:"pingKey"`
	SentAtBlock          uint64      `json:"sentAtBlock"`
	MaxFeePerGas         string      `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string      `json:"maxPriorityFeePerGas"`
	Replacements         int         `json:"replacements"`
	PongArg              common.Hash `json:"pongArg"`
	PingBlock            uint64      `json:"pingBlock,omitempty"`
	PingLogIndex         uint        `json:"pingLogIndex,omitempty"`
	GasLimit             uint64      `json:"gasLimit,omitempty"`
}

// MarshalJSON encodes fees as decimal strings so no precision is lost
func (p PendingTx) MarshalJSON() ([]byte, error) {
	return json.Marshal(pendingTxJSON{
		Nonce:                p.Nonce,
		TxHash:               p.TxHash,
		PingKey:              p.EventKey,
		SentAtBlock:          p.SentAtBlock,
		MaxFeePerGas:         decimal(p.MaxFeePerGas),
		MaxPriorityFeePerGas: decimal(p.MaxPriorityFeePerGas),
		Replacements:         p.ReplacementCount,
		PongArg:              p.PingTxHash,
		PingBlock:            p.PingBlock,
		PingLogIndex:         p.PingLogIndex,
		GasLimit:             p.GasLimit,
	})
}

// UnmarshalJSON decodes the persisted form
func (p *PendingTx) UnmarshalJSON(data []byte) error {
	var raw pendingTxJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	maxFee, err := parseDecimal("maxFeePerGas", raw.MaxFeePerGas)
	if err != nil {
		return err
	}
	maxPrio, err := parseDecimal("maxPriorityFeePerGas", raw.MaxPriorityFeePerGas)
	if err != nil {
		return err
	}

	*p = PendingTx{
		Nonce:                raw.Nonce,
		TxHash:               raw.TxHash,
		EventKey:             raw.PingKey,
		SentAtBlock:          raw.SentAtBlock,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPrio,
		ReplacementCount:     raw.Replacements,
		PingTxHash:           raw.PongArg,
		PingBlock:            raw.PingBlock,
		PingLogIndex:         raw.PingLogIndex,
		GasLimit:             raw.GasLimit,
	}
	return nil
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseDecimal(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative %s %q", field, s)
	}
	return v, nil
}
