// Package engine reconciles Ping events with Pong transactions. A single
// goroutine steps the engine: each tick either polls the pending pong,
// dispatches the next queued Ping, or scans for new ones.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/internal/constants"
	"github.com/Hephaestus-V/PingPongBot/pkg/eventbus"
	"github.com/Hephaestus-V/PingPongBot/pkg/metrics"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
	"github.com/Hephaestus-V/PingPongBot/pkg/scanner"
	"github.com/Hephaestus-V/PingPongBot/pkg/state"
)

// Tick stages used in metrics and logs
const (
	stagePersist  = "persist"
	stagePoll     = "poll"
	stageDispatch = "dispatch"
	stageScan     = "scan"
)

// Skip reasons used in metrics
const (
	skipDuplicate    = "duplicate"
	skipBehindCursor = "behind_cursor"
)

// Config holds engine configuration
type Config struct {
	// Confirmations is the number of trailing blocks left unscanned
	Confirmations uint64

	// BatchSize is the maximum number of blocks per scan
	BatchSize uint64

	// StuckBlocks is the number of blocks without a receipt before a pong
	// is replaced
	StuckBlocks uint64

	// MaxReplacements is the number of fee bumps before a pong is abandoned
	MaxReplacements int

	// SleepInterval is the delay between ticks when nothing is pending
	SleepInterval time.Duration

	// PollInterval is the delay between polls of a pending pong
	PollInterval time.Duration

	// RunID tags outcomes produced by this process
	RunID string
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MaxReplacements < 0 {
		return fmt.Errorf("max replacements cannot be negative")
	}
	if c.SleepInterval <= 0 {
		return fmt.Errorf("sleep interval must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}

// Option configures optional engine collaborators
type Option func(*Engine)

// WithJournal records every outcome in j
func WithJournal(j OutcomeRecorder) Option {
	return func(e *Engine) { e.journal = j }
}

// WithPublisher publishes every outcome through p
func WithPublisher(p eventbus.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Snapshot is an immutable view of the engine published after every tick
type Snapshot struct {
	State     *state.EngineState `json:"state"`
	Queued    int                `json:"queued"`
	ChainHead uint64             `json:"chainHead"`
	Ticks     uint64             `json:"ticks"`
	LastTick  time.Time          `json:"lastTick"`
	LastError string             `json:"lastError,omitempty"`
	RunID     string             `json:"runId"`
}

// Engine is the reconciliation loop
type Engine struct {
	config    Config
	chain     Chain
	scanner   EventScanner
	store     state.Store
	tx        *TxManager
	logger    *zap.Logger
	metrics   *metrics.Metrics
	journal   OutcomeRecorder
	publisher eventbus.Publisher
	now       func() time.Time

	state     *state.EngineState
	queue     []scanner.Event
	queueTo   uint64
	batchOpen bool
	dirty     bool
	chainHead uint64
	ticks     uint64
	lastErr   error

	snapshot atomic.Pointer[Snapshot]
}

// New creates an engine and loads its state from store. A persisted pending
// pong is resumed by polling; it is never broadcast again on startup.
func New(cfg Config, chain Chain, events EventScanner, estimator FeeEstimator, store state.Store, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if chain == nil || events == nil || estimator == nil || store == nil {
		return nil, fmt.Errorf("chain, scanner, fee estimator and store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:  cfg,
		chain:   chain,
		scanner: events,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tx = NewTxManager(chain, estimator, store, cfg.StuckBlocks, cfg.MaxReplacements, logger, e.metrics)

	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	e.state = st

	fields := []zap.Field{
		zap.Uint64("start_block", st.StartBlock),
		zap.Int64("cursor_block", st.CursorBlock),
		zap.Int64("cursor_log_index", st.CursorLogIndex),
		zap.Int("dedup_keys", st.Dedup.Len()),
	}
	if p := st.Pending; p != nil {
		fields = append(fields,
			zap.String("pending_tx", p.TxHash.Hex()),
			zap.Uint64("pending_nonce", p.Nonce),
			zap.Int("pending_replacements", p.ReplacementCount))
		logger.Info("resuming with pending pong", fields...)
	} else {
		logger.Info("engine state loaded", fields...)
	}

	e.publish()
	return e, nil
}

// Snapshot returns the latest published view of the engine
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Run ticks until ctx is cancelled, then persists and returns. A tick in
// progress when ctx is cancelled finishes its transaction work first.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting engine",
		zap.Uint64("batch_size", e.config.BatchSize),
		zap.Uint64("confirmations", e.config.Confirmations),
		zap.Duration("sleep_interval", e.config.SleepInterval),
		zap.Duration("poll_interval", e.config.PollInterval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case <-timer.C:
		}

		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("tick failed", zap.Error(err))
		}
		timer.Reset(e.NextDelay())
	}
}

func (e *Engine) shutdown() error {
	e.logger.Info("stopping engine, persisting state")
	if err := persistState(e.store, e.metrics, e.state); err != nil {
		e.logger.Error("failed to persist state on shutdown", zap.Error(err))
		return err
	}
	e.dirty = false
	e.publish()
	return nil
}

// NextDelay returns how long Run waits before the next tick
func (e *Engine) NextDelay() time.Duration {
	switch {
	case e.lastErr != nil:
		return e.config.SleepInterval
	case e.state.Pending != nil:
		return e.config.PollInterval
	case len(e.queue) > 0:
		return 0
	default:
		return e.config.SleepInterval
	}
}

// Tick performs one step. Transaction work runs on a context detached from
// ctx's cancellation; scanning is read-only and stops with ctx.
func (e *Engine) Tick(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	start := e.now()

	stage, err := e.step(ctx, work)
	e.metrics.ObserveTick(stage, e.now().Sub(start))
	if errors.Is(err, ErrPersist) {
		e.dirty = true
	}

	e.ticks++
	e.lastErr = err
	e.publish()
	return err
}

func (e *Engine) step(ctx, work context.Context) (string, error) {
	if e.dirty {
		if err := persistState(e.store, e.metrics, e.state); err != nil {
			e.metrics.RecordTickError(stagePersist)
			return stagePersist, err
		}
		e.dirty = false
	}

	switch {
	case e.state.Pending != nil:
		return stagePoll, e.stage(stagePoll, e.poll(work))
	case len(e.queue) > 0:
		return stageDispatch, e.stage(stageDispatch, e.dispatch(work))
	default:
		return stageScan, e.stage(stageScan, e.scan(ctx))
	}
}

func (e *Engine) stage(name string, err error) error {
	if err != nil {
		e.metrics.RecordTickError(name)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// scan fetches the next block range and queues its events. A range without
// events moves the cursor to its end.
func (e *Engine) scan(ctx context.Context) error {
	latest, err := e.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	e.chainHead = latest
	e.metrics.SetChainHead(latest)

	from, to, ok := e.nextRange(latest)
	if !ok {
		e.logger.Debug("no new confirmed blocks",
			zap.Uint64("latest", latest),
			zap.Int64("cursor_block", e.state.CursorBlock))
		return nil
	}

	events, err := e.scanner.Scan(ctx, from, to)
	if err != nil {
		return err
	}

	e.logger.Info("scanned range",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("events", len(events)))

	if len(events) == 0 {
		e.state.AdvanceCursor(to, constants.BeforeFirstLog)
		return persistState(e.store, e.metrics, e.state)
	}

	e.queue = events
	e.queueTo = to
	e.batchOpen = true
	return nil
}

// finishBatch moves the cursor to the end of the scanned range when the
// queue drains on skipped events, so a range holding only handled events is
// not rescanned forever. It reports whether the cursor moved.
func (e *Engine) finishBatch() bool {
	if len(e.queue) > 0 || !e.batchOpen {
		return false
	}
	e.batchOpen = false
	return e.state.AdvanceCursor(e.queueTo, constants.BeforeFirstLog)
}

// nextRange returns the inclusive block range of the next scan
func (e *Engine) nextRange(latest uint64) (from, to uint64, ok bool) {
	if latest < e.config.Confirmations {
		return 0, 0, false
	}
	safe := latest - e.config.Confirmations

	from = e.state.ScanStart()
	if from > safe {
		return 0, 0, false
	}
	to = from + e.config.BatchSize - 1
	if to > safe {
		to = safe
	}
	return from, to, true
}

// dispatch submits a pong for the next queued event, first skipping events
// that were already handled
func (e *Engine) dispatch(ctx context.Context) error {
	moved := false
	for len(e.queue) > 0 {
		ev := e.queue[0]

		reason := ""
		switch {
		case !e.state.IsAfterCursor(ev.BlockNumber, ev.LogIndex):
			reason = skipBehindCursor
		case e.state.Dedup.Contains(ev.Key()):
			reason = skipDuplicate
		}
		if reason == "" {
			break
		}

		e.logger.Debug("skipping handled ping",
			zap.String("ping_key", ev.Key()),
			zap.String("reason", reason))
		e.metrics.RecordSkipped(reason)
		if e.state.AdvanceCursor(ev.BlockNumber, int64(ev.LogIndex)) {
			moved = true
		}
		e.queue = e.queue[1:]
	}

	if len(e.queue) == 0 {
		if e.finishBatch() || moved {
			return persistState(e.store, e.metrics, e.state)
		}
		return nil
	}

	ev := e.queue[0]
	e.logger.Info("dispatching ping",
		zap.String("ping_key", ev.Key()),
		zap.String("ping_tx", ev.TxHash.Hex()),
		zap.Uint64("block", ev.BlockNumber),
		zap.Uint("log_index", ev.LogIndex))

	if err := e.tx.Submit(ctx, e.state, ev); err != nil {
		if moved {
			e.dirty = true
		}
		return err
	}
	e.queue = e.queue[1:]
	return nil
}

// poll advances the pending pong and resolves it once terminal
func (e *Engine) poll(ctx context.Context) error {
	o, err := e.tx.Poll(ctx, e.state)
	if err != nil {
		return err
	}
	if o == nil {
		return nil
	}
	return e.resolve(ctx, *o)
}

// resolve marks the pending event handled, clears it, moves the cursor to
// its position and persists. Journal and alert failures are logged only.
func (e *Engine) resolve(ctx context.Context, o outcome.Outcome) error {
	p := e.state.Pending
	e.state.Dedup.MarkProcessed(p.EventKey)
	if p.HasPosition() {
		e.state.AdvanceCursor(p.PingBlock, int64(p.PingLogIndex))
	}
	e.state.Pending = nil

	o.ResolvedAt = e.now().UTC()
	o.RunID = e.config.RunID
	e.metrics.RecordOutcome(string(o.Kind))

	err := persistState(e.store, e.metrics, e.state)

	if e.journal != nil {
		if jerr := e.journal.Record(o); jerr != nil {
			e.metrics.RecordSideEffectError("journal")
			e.logger.Warn("failed to journal outcome",
				zap.String("ping_key", o.EventKey),
				zap.Error(jerr))
		}
	}
	if e.publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, constants.DefaultAlertPublishTimeout)
		if perr := e.publisher.Publish(pctx, o); perr != nil {
			e.metrics.RecordSideEffectError("alerts")
			e.logger.Warn("failed to publish outcome",
				zap.String("ping_key", o.EventKey),
				zap.Error(perr))
		}
		cancel()
	}

	return err
}

// publish stores a fresh snapshot and refreshes the state gauges
func (e *Engine) publish() {
	snap := &Snapshot{
		State:     e.state.Clone(),
		Queued:    len(e.queue),
		ChainHead: e.chainHead,
		Ticks:     e.ticks,
		LastTick:  e.now().UTC(),
		RunID:     e.config.RunID,
	}
	if e.lastErr != nil {
		snap.LastError = e.lastErr.Error()
	}
	e.snapshot.Store(snap)

	replacements := 0
	if e.state.Pending != nil {
		replacements = e.state.Pending.ReplacementCount
	}
	e.metrics.UpdateState(e.state.CursorBlock, e.state.CursorLogIndex, e.state.Dedup.Len(),
		len(e.queue), e.state.Pending != nil, replacements)
}
