package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/pkg/client"
	"github.com/Hephaestus-V/PingPongBot/pkg/fees"
	"github.com/Hephaestus-V/PingPongBot/pkg/metrics"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
	"github.com/Hephaestus-V/PingPongBot/pkg/scanner"
	"github.com/Hephaestus-V/PingPongBot/pkg/state"
)

// Broadcast kinds and results used in metrics
const (
	broadcastInitial     = "initial"
	broadcastReplacement = "replacement"

	resultOK           = "ok"
	resultAlreadyKnown = "already_known"
	resultNonceTooLow  = "nonce_too_low"
	resultUnderpriced  = "underpriced"
	resultUnknown      = "unknown"
	resultError        = "error"
)

// TxManager drives the single outstanding pong from submission to a
// terminal outcome. It mutates the EngineState it is handed and persists
// every transition.
type TxManager struct {
	chain           Chain
	fees            FeeEstimator
	store           state.Store
	logger          *zap.Logger
	metrics         *metrics.Metrics
	stuckBlocks     uint64
	maxReplacements int
}

// NewTxManager creates a transaction manager
func NewTxManager(chain Chain, estimator FeeEstimator, store state.Store, stuckBlocks uint64, maxReplacements int, logger *zap.Logger, m *metrics.Metrics) *TxManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TxManager{
		chain:           chain,
		fees:            estimator,
		store:           store,
		logger:          logger,
		metrics:         m,
		stuckBlocks:     stuckBlocks,
		maxReplacements: maxReplacements,
	}
}

// Submit prices, signs and broadcasts a pong for ev. The pending record is
// persisted before the broadcast. It is rolled back, and the error returned
// so the event is retried, only when the node definitively rejected the
// transaction. Any other failure leaves the record in place.
func (m *TxManager) Submit(ctx context.Context, st *state.EngineState, ev scanner.Event) error {
	if st.Pending != nil {
		return fmt.Errorf("pong %s already pending", st.Pending.TxHash.Hex())
	}

	nonce, err := m.chain.Nonce(ctx, client.NoncePending)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %w", err)
	}

	price, err := m.fees.Estimate(ctx, nil)
	if err != nil {
		return err
	}

	gas := m.chain.EstimatePongGas(ctx, ev.TxHash)

	head, err := m.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	tx, err := m.chain.SignPong(ctx, client.PongRequest{
		PingTxHash:           ev.TxHash,
		Nonce:                nonce,
		GasLimit:             gas,
		MaxFeePerGas:         price.MaxFeePerGas,
		MaxPriorityFeePerGas: price.MaxPriorityFeePerGas,
	})
	if err != nil {
		return err
	}

	st.Pending = &state.PendingTx{
		Nonce:                nonce,
		TxHash:               tx.Hash(),
		EventKey:             ev.Key(),
		SentAtBlock:          head,
		MaxFeePerGas:         price.MaxFeePerGas,
		MaxPriorityFeePerGas: price.MaxPriorityFeePerGas,
		PingTxHash:           ev.TxHash,
		PingBlock:            ev.BlockNumber,
		PingLogIndex:         ev.LogIndex,
		GasLimit:             tx.Gas(),
	}
	if err := persistState(m.store, m.metrics, st); err != nil {
		st.Pending = nil
		return err
	}

	log := m.logger.With(
		zap.String("ping_key", ev.Key()),
		zap.String("ping_tx", ev.TxHash.Hex()),
		zap.String("pong_tx", tx.Hash().Hex()),
		zap.Uint64("nonce", nonce))

	err = m.chain.SendTransaction(ctx, tx)
	switch {
	case err == nil:
		m.metrics.RecordBroadcast(broadcastInitial, resultOK)
	case errors.Is(err, client.ErrAlreadyKnown):
		m.metrics.RecordBroadcast(broadcastInitial, resultAlreadyKnown)
		log.Info("pong already known to the node")
	case client.IsDefinitiveSendError(err):
		m.metrics.RecordBroadcast(broadcastInitial, broadcastResult(err))
		st.Pending = nil
		if perr := persistState(m.store, m.metrics, st); perr != nil {
			return errors.Join(fmt.Errorf("failed to broadcast pong: %w", err), perr)
		}
		return fmt.Errorf("failed to broadcast pong: %w", err)
	default:
		// The node may hold the pong; Poll resolves it or replaces it once stuck.
		m.metrics.RecordBroadcast(broadcastInitial, resultUnknown)
		log.Warn("broadcast outcome unknown, tracking pending pong", zap.Error(err))
		return nil
	}

	log.Info("pong submitted",
		zap.Uint64("gas_limit", tx.Gas()),
		zap.Uint64("sent_at_block", head),
		zap.String("max_fee_per_gas", price.MaxFeePerGas.String()),
		zap.String("max_priority_fee_per_gas", price.MaxPriorityFeePerGas.String()))
	return nil
}

// Poll checks the pending pong. It returns a non-nil outcome once the pong
// is terminal; the caller clears the pending record. A stuck pong with
// budget left is replaced in place.
func (m *TxManager) Poll(ctx context.Context, st *state.EngineState) (*outcome.Outcome, error) {
	p := st.Pending
	if p == nil {
		return nil, nil
	}

	receipt, err := m.chain.TransactionReceipt(ctx, p.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt != nil {
		return m.receiptOutcome(p, receipt), nil
	}

	head, err := m.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	var age uint64
	if head > p.SentAtBlock {
		age = head - p.SentAtBlock
	}
	m.metrics.SetPendingAge(age)
	if head < p.SentAtBlock || age < m.stuckBlocks {
		return nil, nil
	}

	if p.ReplacementCount >= m.maxReplacements {
		m.logger.Error("pong abandoned after exhausting replacements",
			zap.String("ping_key", p.EventKey),
			zap.String("pong_tx", p.TxHash.Hex()),
			zap.Uint64("nonce", p.Nonce),
			zap.Int("replacements", p.ReplacementCount))
		o := newOutcome(outcome.Abandoned, p)
		return &o, nil
	}

	return m.replace(ctx, st, head)
}

func (m *TxManager) receiptOutcome(p *state.PendingTx, receipt *types.Receipt) *outcome.Outcome {
	kind := outcome.Confirmed
	if receipt.Status != types.ReceiptStatusSuccessful {
		kind = outcome.Reverted
	}

	o := newOutcome(kind, p)
	if receipt.BlockNumber != nil {
		o.ReceiptBlock = receipt.BlockNumber.Uint64()
	}
	o.GasUsed = receipt.GasUsed

	log := m.logger.With(
		zap.String("ping_key", p.EventKey),
		zap.String("pong_tx", p.TxHash.Hex()),
		zap.Uint64("block", o.ReceiptBlock),
		zap.Uint64("gas_used", o.GasUsed))
	if kind == outcome.Reverted {
		log.Warn("pong reverted")
	} else {
		log.Info("pong confirmed")
	}
	return &o
}

// replace rebroadcasts the pending pong at the same nonce with bumped fees.
// Only a successful broadcast changes the pending record.
func (m *TxManager) replace(ctx context.Context, st *state.EngineState, head uint64) (*outcome.Outcome, error) {
	p := st.Pending
	prior := fees.Fees{
		MaxFeePerGas:         p.MaxFeePerGas,
		MaxPriorityFeePerGas: p.MaxPriorityFeePerGas,
	}

	price, err := m.fees.Estimate(ctx, &prior)
	if err != nil {
		return nil, err
	}

	gas := p.GasLimit
	if gas == 0 {
		gas = m.chain.EstimatePongGas(ctx, p.PingTxHash)
	}

	tx, err := m.chain.SignPong(ctx, client.PongRequest{
		PingTxHash:           p.PingTxHash,
		Nonce:                p.Nonce,
		GasLimit:             gas,
		MaxFeePerGas:         price.MaxFeePerGas,
		MaxPriorityFeePerGas: price.MaxPriorityFeePerGas,
	})
	if err != nil {
		return nil, err
	}

	log := m.logger.With(
		zap.String("ping_key", p.EventKey),
		zap.Uint64("nonce", p.Nonce),
		zap.String("old_tx", p.TxHash.Hex()),
		zap.String("new_tx", tx.Hash().Hex()),
		zap.Int("replacement", p.ReplacementCount+1))

	err = m.chain.SendTransaction(ctx, tx)
	switch {
	case err == nil:
		m.metrics.RecordBroadcast(broadcastReplacement, resultOK)

	case errors.Is(err, client.ErrAlreadyKnown):
		m.metrics.RecordBroadcast(broadcastReplacement, resultAlreadyKnown)
		log.Debug("replacement already known to the node")
		return nil, nil

	case errors.Is(err, client.ErrNonceTooLow):
		m.metrics.RecordBroadcast(broadcastReplacement, resultNonceTooLow)
		latest, nerr := m.chain.Nonce(ctx, client.NonceLatest)
		if nerr != nil {
			return nil, fmt.Errorf("failed to get latest nonce: %w", nerr)
		}
		if latest > p.Nonce {
			log.Info("pong nonce consumed without a receipt for the tracked hash",
				zap.Uint64("latest_nonce", latest))
			o := newOutcome(outcome.MinedWithoutReceipt, p)
			return &o, nil
		}
		log.Warn("replacement rejected with stale nonce, retrying",
			zap.Uint64("latest_nonce", latest))
		return nil, nil

	default:
		m.metrics.RecordBroadcast(broadcastReplacement, broadcastResult(err))
		log.Warn("replacement broadcast failed, retrying next tick", zap.Error(err))
		return nil, nil
	}

	sentAt, err := m.chain.BlockNumber(ctx)
	if err != nil {
		sentAt = head
	}

	p.TxHash = tx.Hash()
	p.SentAtBlock = sentAt
	p.MaxFeePerGas = price.MaxFeePerGas
	p.MaxPriorityFeePerGas = price.MaxPriorityFeePerGas
	p.ReplacementCount++
	p.GasLimit = tx.Gas()

	log.Warn("pong replaced",
		zap.Uint64("sent_at_block", sentAt),
		zap.String("max_fee_per_gas", price.MaxFeePerGas.String()),
		zap.String("max_priority_fee_per_gas", price.MaxPriorityFeePerGas.String()))

	return nil, persistState(m.store, m.metrics, st)
}

func broadcastResult(err error) string {
	switch {
	case errors.Is(err, client.ErrAlreadyKnown):
		return resultAlreadyKnown
	case errors.Is(err, client.ErrNonceTooLow):
		return resultNonceTooLow
	case errors.Is(err, client.ErrUnderpriced):
		return resultUnderpriced
	default:
		return resultError
	}
}

func newOutcome(kind outcome.Kind, p *state.PendingTx) outcome.Outcome {
	return outcome.Outcome{
		Kind:                 kind,
		EventKey:             p.EventKey,
		PingTxHash:           p.PingTxHash,
		PingBlock:            p.PingBlock,
		PingLogIndex:         p.PingLogIndex,
		TxHash:               p.TxHash,
		Nonce:                p.Nonce,
		Replacements:         p.ReplacementCount,
		MaxFeePerGas:         p.MaxFeePerGas.String(),
		MaxPriorityFeePerGas: p.MaxPriorityFeePerGas.String(),
	}
}
