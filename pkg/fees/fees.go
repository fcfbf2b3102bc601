// Package fees prices EIP-1559 pong transactions and enforces the minimum
// bump required to replace a pending one.
package fees

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/internal/constants"
)

// BaseFeeSource provides the latest block base fee. A nil fee means the
// chain has no fee market.
type BaseFeeSource interface {
	LatestBaseFee(ctx context.Context) (*big.Int, error)
}

// Fees holds the fee parameters of one transaction attempt
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Copy returns a deep copy
func (f Fees) Copy() Fees {
	return Fees{
		MaxFeePerGas:         copyInt(f.MaxFeePerGas),
		MaxPriorityFeePerGas: copyInt(f.MaxPriorityFeePerGas),
	}
}

// Estimator derives fees from the network base fee and a configured tip
type Estimator struct {
	source      BaseFeeSource
	priorityFee *big.Int
	logger      *zap.Logger
}

// NewEstimator creates an estimator with a fixed baseline priority fee in wei
func NewEstimator(source BaseFeeSource, priorityFee *big.Int, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if priorityFee == nil {
		priorityFee = new(big.Int)
	}
	return &Estimator{
		source:      source,
		priorityFee: new(big.Int).Set(priorityFee),
		logger:      logger,
	}
}

// Estimate returns fees for a new transaction, or for a replacement when
// prior is non-nil. Replacement fees are at least prior bumped by
// ReplacementBumpPercent, per field.
func (e *Estimator) Estimate(ctx context.Context, prior *Fees) (Fees, error) {
	baseFee, err := e.source.LatestBaseFee(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("failed to get base fee: %w", err)
	}
	if baseFee == nil {
		baseFee = big.NewInt(constants.DefaultBaseFeeGwei * params.GWei)
	}

	tip := new(big.Int).Set(e.priorityFee)
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(constants.BaseFeeMultiplier))
	feeCap.Add(feeCap, tip)

	if prior != nil {
		if floor := BumpByPercent(prior.MaxFeePerGas, constants.ReplacementBumpPercent); feeCap.Cmp(floor) < 0 {
			feeCap = floor
		}
		if floor := BumpByPercent(prior.MaxPriorityFeePerGas, constants.ReplacementBumpPercent); tip.Cmp(floor) < 0 {
			tip = floor
		}
	}

	// A fee cap below the tip is rejected by every node.
	if feeCap.Cmp(tip) < 0 {
		feeCap = new(big.Int).Set(tip)
	}

	e.logger.Debug("estimated fees",
		zap.String("base_fee", baseFee.String()),
		zap.String("max_fee_per_gas", feeCap.String()),
		zap.String("max_priority_fee_per_gas", tip.String()),
		zap.Bool("replacement", prior != nil))

	return Fees{MaxFeePerGas: feeCap, MaxPriorityFeePerGas: tip}, nil
}

// BumpByPercent returns value * (100 + percent) / 100 using a x1000 fixed
// point multiplier, rounded up so the result never undershoots the exact bump.
func BumpByPercent(value *big.Int, percent int64) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	const scale = 100 * 1000
	multiplier := big.NewInt((100 + percent) * 1000)

	n := new(big.Int).Mul(value, multiplier)
	n.Add(n, big.NewInt(scale-1))
	return n.Div(n, big.NewInt(scale))
}

// MeetsBump reports whether next clears the replacement floor over prior
// in both fields
func MeetsBump(next, prior Fees) bool {
	return next.MaxFeePerGas.Cmp(BumpByPercent(prior.MaxFeePerGas, constants.ReplacementBumpPercent)) >= 0 &&
		next.MaxPriorityFeePerGas.Cmp(BumpByPercent(prior.MaxPriorityFeePerGas, constants.ReplacementBumpPercent)) >= 0
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
