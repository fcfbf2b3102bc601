package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hephaestus-V/PingPongBot/internal/testutil"
	"github.com/Hephaestus-V/PingPongBot/pkg/client"
	"github.com/Hephaestus-V/PingPongBot/pkg/contract"
	"github.com/Hephaestus-V/PingPongBot/pkg/fees"
	"github.com/Hephaestus-V/PingPongBot/pkg/metrics"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
	"github.com/Hephaestus-V/PingPongBot/pkg/scanner"
	"github.com/Hephaestus-V/PingPongBot/pkg/state"
)

// ============================================================================
// Test helpers
// ============================================================================

const (
	testStartBlock = 100
	testRecentSize = 50
	gwei           = 1_000_000_000
)

type memJournal struct {
	mu       sync.Mutex
	outcomes []outcome.Outcome
	err      error
}

func (j *memJournal) Record(o outcome.Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.outcomes = append(j.outcomes, o)
	return nil
}

func (j *memJournal) all() []outcome.Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]outcome.Outcome(nil), j.outcomes...)
}

type memPublisher struct {
	mu        sync.Mutex
	published []outcome.Outcome
	err       error
}

func (p *memPublisher) Publish(_ context.Context, o outcome.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, o)
	return p.err
}

func (p *memPublisher) Close() error { return nil }

type failingScanner struct{ err error }

func (s failingScanner) Scan(context.Context, uint64, uint64) ([]scanner.Event, error) {
	return nil, s.err
}

type harness struct {
	t         *testing.T
	chain     *testutil.FakeChain
	store     *testutil.MemStore
	journal   *memJournal
	publisher *memPublisher
	metrics   *metrics.Metrics
	engine    *Engine
}

func testConfig() Config {
	return Config{
		Confirmations:   0,
		BatchSize:       2000,
		StuckBlocks:     12,
		MaxReplacements: 6,
		SleepInterval:   5 * time.Second,
		PollInterval:    2 * time.Second,
		RunID:           "test-run",
	}
}

func newHarness(t *testing.T, head uint64, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		chain:     testutil.NewFakeChain(head),
		store:     testutil.NewMemStore(testStartBlock, testRecentSize),
		journal:   &memJournal{},
		publisher: &memPublisher{},
		metrics:   metrics.New("test"),
	}
	h.engine = h.start(cfg)
	return h
}

// start builds an engine on the harness store, as a process restart would
func (h *harness) start(cfg Config) *Engine {
	h.t.Helper()
	sc, err := scanner.New(h.chain, scanner.DefaultConfig(testutil.ContractAddress), nil, h.metrics)
	require.NoError(h.t, err)
	estimator := fees.NewEstimator(h.chain, big.NewInt(2*gwei), nil)

	e, err := New(cfg, h.chain, sc, estimator, h.store, testutil.NewTestLogger(h.t),
		WithJournal(h.journal),
		WithPublisher(h.publisher),
		WithMetrics(h.metrics))
	require.NoError(h.t, err)
	return e
}

func (h *harness) tick() error {
	return h.engine.Tick(context.Background())
}

func (h *harness) mustTick() {
	h.t.Helper()
	require.NoError(h.t, h.tick())
}

// seedPending persists a state with a pending pong for the Ping at (105, 2)
func (h *harness) seedPending(sentAt uint64, replacements int) *state.PendingTx {
	h.t.Helper()
	ev := testutil.NewPingEvent(105, 2)
	st := state.NewEngineState(testStartBlock, testRecentSize)
	st.AdvanceCursor(104, -1)
	st.Pending = &state.PendingTx{
		Nonce:                7,
		TxHash:               testutil.PingTxHash(999, 0),
		EventKey:             ev.Key(),
		SentAtBlock:          sentAt,
		MaxFeePerGas:         big.NewInt(22 * gwei),
		MaxPriorityFeePerGas: big.NewInt(2 * gwei),
		ReplacementCount:     replacements,
		PingTxHash:           ev.TxHash,
		PingBlock:            ev.BlockNumber,
		PingLogIndex:         ev.LogIndex,
		GasLimit:             60000,
	}
	require.NoError(h.t, h.store.Save(st))
	h.chain.PendingNonce = 8
	h.chain.LatestNonce = 7
	h.engine = h.start(testConfig())
	return st.Pending
}

func pongArg(t *testing.T, tx *types.Transaction) string {
	t.Helper()
	arg, err := contract.UnpackPong(tx.Data())
	require.NoError(t, err)
	return arg.Hex()
}

// ============================================================================
// Config Tests
// ============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"negative replacements", func(c *Config) { c.MaxReplacements = -1 }, true},
		{"zero sleep", func(c *Config) { c.SleepInterval = 0 }, true},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(), nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNew_LoadError(t *testing.T) {
	chain := testutil.NewFakeChain(100)
	sc, err := scanner.New(chain, scanner.DefaultConfig(testutil.ContractAddress), nil, nil)
	require.NoError(t, err)

	_, err = New(testConfig(), chain, sc, fees.NewEstimator(chain, nil, nil), errStore{}, nil)
	assert.Error(t, err)
}

type errStore struct{}

func (errStore) Load() (*state.EngineState, error) { return nil, errors.New("corrupt state") }
func (errStore) Save(*state.EngineState) error     { return nil }

// ============================================================================
// Scenario Tests
// ============================================================================

func TestScenario_EmptyRangeAdvancesCursor(t *testing.T) {
	h := newHarness(t, 110, testConfig())

	h.mustTick()

	snap := h.engine.Snapshot()
	assert.Equal(t, int64(110), snap.State.CursorBlock)
	assert.Equal(t, int64(-1), snap.State.CursorLogIndex)
	assert.Nil(t, snap.State.Pending)

	saved := h.store.Saved()
	require.NotNil(t, saved)
	assert.Equal(t, int64(110), saved.CursorBlock)
	assert.Equal(t, 0, h.chain.SentCount())
}

func TestScenario_PingConfirmed(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.PendingNonce = 3
	h.chain.LatestNonce = 3
	h.chain.AddPings(105, 2)
	ev := testutil.NewPingEvent(105, 2)

	h.mustTick() // scan
	assert.Equal(t, 1, h.engine.Snapshot().Queued)

	h.mustTick() // dispatch
	require.Equal(t, 1, h.chain.SentCount())
	sent := h.chain.LastSent()
	assert.Equal(t, uint64(3), sent.Nonce())
	assert.Equal(t, ev.TxHash.Hex(), pongArg(t, sent))
	assert.Equal(t, big.NewInt(22*gwei), sent.GasFeeCap())
	assert.Equal(t, big.NewInt(2*gwei), sent.GasTipCap())

	saved := h.store.Saved()
	require.NotNil(t, saved.Pending, "pending pong must be durable")
	assert.Equal(t, sent.Hash(), saved.Pending.TxHash)
	assert.Equal(t, ev.Key(), saved.Pending.EventKey)
	assert.Equal(t, uint64(105), saved.Pending.SentAtBlock)

	h.mustTick() // poll, nothing mined yet
	assert.NotNil(t, h.engine.Snapshot().State.Pending)

	h.chain.SetHead(107)
	h.chain.Mine(sent.Hash(), types.ReceiptStatusSuccessful)
	h.mustTick()

	snap := h.engine.Snapshot()
	assert.Nil(t, snap.State.Pending)
	assert.True(t, snap.State.Dedup.Contains(ev.Key()))
	assert.Equal(t, int64(105), snap.State.CursorBlock)
	assert.Equal(t, int64(2), snap.State.CursorLogIndex)

	saved = h.store.Saved()
	assert.Nil(t, saved.Pending)
	assert.True(t, saved.Dedup.Contains(ev.Key()))

	recorded := h.journal.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, outcome.Confirmed, recorded[0].Kind)
	assert.Equal(t, uint64(107), recorded[0].ReceiptBlock)
	assert.Equal(t, "test-run", recorded[0].RunID)
	assert.False(t, recorded[0].ResolvedAt.IsZero())
	assert.Len(t, h.publisher.published, 1)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.OutcomesTotal.WithLabelValues(metrics.OutcomeConfirmed)))
}

func TestScenario_StuckPongReplaced(t *testing.T) {
	h := newHarness(t, 113, testConfig())
	prior := h.seedPending(100, 0)
	priorFees := fees.Fees{MaxFeePerGas: prior.MaxFeePerGas, MaxPriorityFeePerGas: prior.MaxPriorityFeePerGas}

	h.mustTick()

	require.Equal(t, 1, h.chain.SentCount())
	sent := h.chain.LastSent()
	assert.Equal(t, uint64(7), sent.Nonce(), "replacement reuses the nonce")
	assert.Equal(t, uint64(60000), sent.Gas(), "replacement reuses the gas limit")

	next := fees.Fees{MaxFeePerGas: sent.GasFeeCap(), MaxPriorityFeePerGas: sent.GasTipCap()}
	assert.True(t, fees.MeetsBump(next, priorFees))

	saved := h.store.Saved()
	require.NotNil(t, saved.Pending)
	assert.Equal(t, 1, saved.Pending.ReplacementCount)
	assert.Equal(t, sent.Hash(), saved.Pending.TxHash)
	assert.Equal(t, uint64(113), saved.Pending.SentAtBlock)
	assert.Equal(t, 0, saved.Pending.MaxFeePerGas.Cmp(sent.GasFeeCap()))
}

func TestScenario_NotYetStuck(t *testing.T) {
	h := newHarness(t, 111, testConfig())
	h.seedPending(100, 0)

	h.mustTick()
	assert.Equal(t, 0, h.chain.SentCount())
	assert.Equal(t, 0, h.engine.Snapshot().State.Pending.ReplacementCount)
	assert.Equal(t, 11.0, promtest.ToFloat64(h.metrics.PendingAgeBlocks))
	assert.Equal(t, 1, promtest.CollectAndCount(h.metrics.TickDuration))
}

func TestScenario_BudgetExhaustedAbandons(t *testing.T) {
	h := newHarness(t, 113, testConfig())
	pending := h.seedPending(100, 6)

	h.mustTick()

	snap := h.engine.Snapshot()
	assert.Nil(t, snap.State.Pending)
	assert.True(t, snap.State.Dedup.Contains(pending.EventKey))
	assert.Equal(t, 0, h.chain.SentCount())

	recorded := h.journal.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, outcome.Abandoned, recorded[0].Kind)
	assert.Equal(t, 6, recorded[0].Replacements)

	// The Ping shows up again in a later scan: still no broadcast.
	h.chain.AddPings(105, 2)
	for i := 0; i < 5; i++ {
		h.mustTick()
	}
	assert.Equal(t, 0, h.chain.SentCount())
}

func TestScenario_DuplicateKeySkipped(t *testing.T) {
	h := newHarness(t, 110, testConfig())
	ev := testutil.NewPingEvent(105, 2)

	st := state.NewEngineState(testStartBlock, testRecentSize)
	st.Dedup.MarkProcessed(ev.Key())
	require.NoError(t, h.store.Save(st))
	h.engine = h.start(testConfig())

	h.chain.AddPings(105, 2)
	h.mustTick() // scan
	h.mustTick() // dispatch skips

	assert.Equal(t, 0, h.chain.SentCount())
	snap := h.engine.Snapshot()
	assert.Nil(t, snap.State.Pending)
	assert.Equal(t, int64(110), snap.State.CursorBlock, "a batch of handled events moves the cursor to its end")
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.EventsSkippedTotal.WithLabelValues(skipDuplicate)))
}

func TestScenario_BatchEndingAtGenesisIsClosed(t *testing.T) {
	h := newHarness(t, 0, testConfig())
	ev := testutil.NewPingEvent(0, 1)

	h.store = testutil.NewMemStore(0, testRecentSize)
	st := state.NewEngineState(0, testRecentSize)
	st.Dedup.MarkProcessed(ev.Key())
	require.NoError(t, h.store.Save(st))
	h.engine = h.start(testConfig())

	h.chain.AddPings(0, 1)
	h.mustTick() // scan
	require.Equal(t, 1, h.engine.Snapshot().Queued)
	assert.True(t, h.engine.batchOpen)

	h.mustTick() // dispatch skips
	assert.Equal(t, 0, h.chain.SentCount())
	assert.False(t, h.engine.batchOpen, "a drained batch ending at block 0 must be closed")
	assert.Equal(t, int64(0), h.store.Saved().CursorBlock)
	assert.False(t, h.engine.finishBatch())
}

func TestFinishBatch_EndAtBlockZero(t *testing.T) {
	h := newHarness(t, 0, testConfig())
	h.store = testutil.NewMemStore(0, testRecentSize)
	h.engine = h.start(testConfig())

	h.engine.queueTo = 0
	h.engine.batchOpen = true

	assert.True(t, h.engine.finishBatch())
	assert.Equal(t, int64(0), h.engine.state.CursorBlock)
	assert.Equal(t, int64(-1), h.engine.state.CursorLogIndex)
	assert.Equal(t, uint64(1), h.engine.state.ScanStart())
	assert.False(t, h.engine.finishBatch(), "a closed batch does not move the cursor again")
}

// ============================================================================
// Property Tests
// ============================================================================

// drive ticks until the engine is idle, mining every pong it broadcasts
func (h *harness) drive(maxTicks int) {
	h.t.Helper()
	for i := 0; i < maxTicks; i++ {
		h.mustTick()
		snap := h.engine.Snapshot()
		if p := snap.State.Pending; p != nil {
			if _, mined := h.chain.Receipts[p.TxHash]; !mined {
				h.chain.Mine(p.TxHash, types.ReceiptStatusSuccessful)
			}
			continue
		}
		if snap.Queued == 0 && i > 0 {
			return
		}
	}
}

func TestIdempotency_SameEventTwice(t *testing.T) {
	h := newHarness(t, 110, testConfig())
	h.chain.AddPings(105, 2)
	h.chain.AddPings(105, 2) // overlapping query results

	h.drive(20)
	assert.Equal(t, 1, h.chain.SentCount())
	assert.Len(t, h.journal.all(), 1)
}

func TestOrdering_ResolvesBeforeNextBroadcast(t *testing.T) {
	h := newHarness(t, 110, testConfig())
	h.chain.AddPings(106, 0)
	h.chain.AddPings(105, 1, 0)

	for i := 0; i < 30; i++ {
		sentBefore := h.chain.SentCount()
		h.mustTick()
		if h.chain.SentCount() > sentBefore && sentBefore > 0 {
			prev := h.chain.Sent[sentBefore-1]
			_, mined := h.chain.Receipts[prev.Hash()]
			require.True(t, mined, "broadcast before the previous pong resolved")
		}
		if p := h.engine.Snapshot().State.Pending; p != nil {
			h.chain.Mine(p.TxHash, types.ReceiptStatusSuccessful)
		}
	}

	require.Equal(t, 3, h.chain.SentCount())
	assert.Equal(t, testutil.PingTxHash(105, 0).Hex(), pongArg(t, h.chain.Sent[0]))
	assert.Equal(t, testutil.PingTxHash(105, 1).Hex(), pongArg(t, h.chain.Sent[1]))
	assert.Equal(t, testutil.PingTxHash(106, 0).Hex(), pongArg(t, h.chain.Sent[2]))

	for i, tx := range h.chain.Sent {
		assert.Equal(t, uint64(i), tx.Nonce())
	}
}

func TestSingleFlight_NoBroadcastWhilePending(t *testing.T) {
	h := newHarness(t, 110, testConfig())
	h.chain.AddPings(105, 0, 1, 2)

	for i := 0; i < 10; i++ {
		h.mustTick()
	}
	assert.Equal(t, 1, h.chain.SentCount())
	assert.Equal(t, 2, h.engine.Snapshot().Queued)
}

func TestFeeMonotonicity_AcrossReplacements(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, 113, cfg)
	h.seedPending(100, 0)

	head := uint64(113)
	for i := 0; i < cfg.MaxReplacements; i++ {
		h.mustTick()
		head += cfg.StuckBlocks
		h.chain.SetHead(head)
	}
	require.Equal(t, cfg.MaxReplacements, h.chain.SentCount())

	prior := fees.Fees{MaxFeePerGas: big.NewInt(22 * gwei), MaxPriorityFeePerGas: big.NewInt(2 * gwei)}
	for i, tx := range h.chain.Sent {
		next := fees.Fees{MaxFeePerGas: tx.GasFeeCap(), MaxPriorityFeePerGas: tx.GasTipCap()}
		assert.True(t, fees.MeetsBump(next, prior), "replacement %d below the bump floor", i+1)
		assert.Equal(t, uint64(7), tx.Nonce())
		prior = next
	}

	// Budget spent: the next stuck poll abandons without broadcasting.
	h.mustTick()
	assert.Equal(t, cfg.MaxReplacements, h.chain.SentCount())
	assert.Nil(t, h.engine.Snapshot().State.Pending)
	assert.Equal(t, outcome.Abandoned, h.journal.all()[0].Kind)
}

func TestCrashRecovery_PendingIsPolledNotRebroadcast(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.AddPings(105, 2)
	h.mustTick()
	h.mustTick()
	require.Equal(t, 1, h.chain.SentCount())
	sent := h.chain.LastSent()

	// Restart on the same state.
	h.engine = h.start(testConfig())
	require.NotNil(t, h.engine.Snapshot().State.Pending)

	for i := 0; i < 3; i++ {
		h.mustTick()
	}
	assert.Equal(t, 1, h.chain.SentCount(), "restart must not rebroadcast")

	h.chain.Mine(sent.Hash(), types.ReceiptStatusSuccessful)
	h.mustTick()
	snap := h.engine.Snapshot()
	assert.Nil(t, snap.State.Pending)
	assert.Equal(t, int64(105), snap.State.CursorBlock)
	assert.Equal(t, int64(2), snap.State.CursorLogIndex)
}

func TestMidBlockResume(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.AddPings(105, 0, 1)

	h.mustTick() // scan
	h.mustTick() // dispatch (105,0)
	h.chain.Mine(h.chain.LastSent().Hash(), types.ReceiptStatusSuccessful)
	h.mustTick() // resolve (105,0)

	// Restart with (105,1) still unanswered; the queue is gone.
	h.engine = h.start(testConfig())
	assert.Equal(t, int64(0), h.engine.Snapshot().State.CursorLogIndex)

	h.drive(20)

	require.Equal(t, 2, h.chain.SentCount())
	assert.Equal(t, testutil.PingTxHash(105, 1).Hex(), pongArg(t, h.chain.Sent[1]))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.EventsSkippedTotal.WithLabelValues(skipBehindCursor)))
}

// ============================================================================
// Broadcast Error Tests
// ============================================================================

func TestSubmit_BroadcastFailureRollsBack(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.AddPings(105, 2)
	h.chain.SendErrs = []error{fmt.Errorf("%w: boom", client.ErrUnderpriced)}

	h.mustTick()
	err := h.tick()
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrUnderpriced)

	assert.Nil(t, h.engine.Snapshot().State.Pending)
	assert.Nil(t, h.store.Saved().Pending, "rolled back pending must be persisted")
	assert.Equal(t, 1, h.engine.Snapshot().Queued, "event stays queued for retry")
	assert.Equal(t, h.engine.config.SleepInterval, h.engine.NextDelay())

	h.mustTick()
	assert.Equal(t, 2, h.chain.SentCount())
	assert.NotNil(t, h.engine.Snapshot().State.Pending)
}

func TestSubmit_NodeRejectionRollsBack(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.AddPings(105, 2)
	h.chain.SendErrs = []error{fmt.Errorf("%w: exceeds block gas limit", client.ErrRejected)}

	h.mustTick()
	assert.ErrorIs(t, h.tick(), client.ErrRejected)
	assert.Nil(t, h.store.Saved().Pending)
	assert.Equal(t, 1, h.engine.Snapshot().Queued)
}

func TestSubmit_UnknownBroadcastOutcomeKeepsPending(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.AddPings(105, 2)
	h.chain.SendErrs = []error{fmt.Errorf("post eth_sendRawTransaction: %w", context.DeadlineExceeded)}

	h.mustTick() // scan
	h.mustTick() // dispatch, the node accepted the pong but the reply was lost
	require.Equal(t, 1, h.chain.SentCount())
	sent := h.chain.LastSent()

	snap := h.engine.Snapshot()
	require.NotNil(t, snap.State.Pending)
	assert.Equal(t, sent.Hash(), snap.State.Pending.TxHash)
	assert.Equal(t, 0, snap.Queued, "event is owned by the pending pong")
	require.NotNil(t, h.store.Saved().Pending)
	assert.Equal(t, sent.Hash(), h.store.Saved().Pending.TxHash)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.BroadcastsTotal.WithLabelValues(broadcastInitial, resultUnknown)))

	h.chain.PendingNonce = sent.Nonce() + 1
	h.mustTick()
	assert.Equal(t, 1, h.chain.SentCount(), "no second pong while the first may be in the mempool")

	h.chain.SetHead(107)
	h.chain.Mine(sent.Hash(), types.ReceiptStatusSuccessful)
	h.mustTick()
	h.mustTick()

	assert.Equal(t, 1, h.chain.SentCount())
	assert.Nil(t, h.engine.Snapshot().State.Pending)
	recorded := h.journal.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, outcome.Confirmed, recorded[0].Kind)
}

func TestSubmit_StaleNonceRetriesWithFreshNonce(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.AddPings(105, 2)
	h.chain.SendErrs = []error{client.ErrNonceTooLow}

	h.mustTick()
	assert.ErrorIs(t, h.tick(), client.ErrNonceTooLow)

	h.chain.PendingNonce = 4
	h.mustTick()
	assert.Equal(t, uint64(4), h.chain.LastSent().Nonce())
}

func TestSubmit_AlreadyKnownKeepsPending(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.AddPings(105, 2)
	h.chain.SendErrs = []error{client.ErrAlreadyKnown}

	h.mustTick()
	h.mustTick()
	require.NotNil(t, h.engine.Snapshot().State.Pending)
	assert.Equal(t, h.chain.LastSent().Hash(), h.engine.Snapshot().State.Pending.TxHash)
}

func TestReplace_AlreadyKnownIsNoop(t *testing.T) {
	h := newHarness(t, 113, testConfig())
	prior := h.seedPending(100, 0)
	h.chain.SendErrs = []error{client.ErrAlreadyKnown}

	h.mustTick()
	p := h.engine.Snapshot().State.Pending
	require.NotNil(t, p)
	assert.Equal(t, 0, p.ReplacementCount)
	assert.Equal(t, prior.TxHash, p.TxHash)
}

func TestReplace_StaleNonceMinedWithoutReceipt(t *testing.T) {
	h := newHarness(t, 113, testConfig())
	prior := h.seedPending(100, 2)
	h.chain.SendErrs = []error{client.ErrNonceTooLow}
	h.chain.LatestNonce = 8

	h.mustTick()

	snap := h.engine.Snapshot()
	assert.Nil(t, snap.State.Pending)
	assert.True(t, snap.State.Dedup.Contains(prior.EventKey))
	assert.Equal(t, int64(105), snap.State.CursorBlock)

	recorded := h.journal.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, outcome.MinedWithoutReceipt, recorded[0].Kind)
}

func TestReplace_StaleNonceNotAdvancedRetries(t *testing.T) {
	h := newHarness(t, 113, testConfig())
	h.seedPending(100, 2)
	h.chain.SendErrs = []error{client.ErrNonceTooLow}

	h.mustTick()
	p := h.engine.Snapshot().State.Pending
	require.NotNil(t, p)
	assert.Equal(t, 2, p.ReplacementCount)
}

func TestReplace_OtherErrorRetriesWithoutCounting(t *testing.T) {
	h := newHarness(t, 113, testConfig())
	h.seedPending(100, 1)
	h.chain.SendErrs = []error{fmt.Errorf("%w: low", client.ErrUnderpriced)}

	h.mustTick()
	assert.Equal(t, 1, h.engine.Snapshot().State.Pending.ReplacementCount)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.BroadcastsTotal.WithLabelValues(broadcastReplacement, resultUnderpriced)))

	h.mustTick()
	assert.Equal(t, 2, h.engine.Snapshot().State.Pending.ReplacementCount)
}

func TestPoll_RevertedIsTerminal(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	pending := h.seedPending(104, 0)
	h.chain.Receipts[pending.TxHash] = testutil.NewTestReceipt(pending.TxHash, 105, types.ReceiptStatusFailed)

	h.mustTick()
	assert.Nil(t, h.engine.Snapshot().State.Pending)
	assert.Equal(t, outcome.Reverted, h.journal.all()[0].Kind)
}

func TestPoll_ReceiptErrorLeavesState(t *testing.T) {
	h := newHarness(t, 113, testConfig())
	h.seedPending(100, 0)
	h.chain.ReceiptErr = errors.New("connection reset")

	assert.Error(t, h.tick())
	assert.NotNil(t, h.engine.Snapshot().State.Pending)
	assert.Equal(t, 0, h.chain.SentCount())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.TickErrorsTotal.WithLabelValues(stagePoll)))
}

// ============================================================================
// Persistence Tests
// ============================================================================

func TestPersistFailure_BeforeBroadcast(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	h.chain.AddPings(105, 2)
	h.mustTick()

	h.store.SaveErr = errors.New("disk full")
	err := h.tick()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 0, h.chain.SentCount(), "nothing may be broadcast without a durable record")
	assert.Nil(t, h.engine.Snapshot().State.Pending)

	h.store.SaveErr = nil
	h.mustTick() // flushes the dirty state
	h.mustTick()
	assert.Equal(t, 1, h.chain.SentCount())
}

func TestPersistFailure_OnResolveRetriedNextTick(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	pending := h.seedPending(104, 0)
	h.chain.Mine(pending.TxHash, types.ReceiptStatusSuccessful)

	h.store.SaveErr = errors.New("disk full")
	assert.ErrorIs(t, h.tick(), ErrPersist)
	assert.Nil(t, h.engine.Snapshot().State.Pending)
	assert.NotNil(t, h.store.Saved().Pending)

	h.store.SaveErr = nil
	h.mustTick()
	assert.Nil(t, h.store.Saved().Pending)
	assert.True(t, h.store.Saved().Dedup.Contains(pending.EventKey))
}

func TestSideEffectFailuresAreNotFatal(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	pending := h.seedPending(104, 0)
	h.chain.Mine(pending.TxHash, types.ReceiptStatusSuccessful)
	h.journal.err = errors.New("journal closed")
	h.publisher.err = errors.New("redis down")

	h.mustTick()
	assert.Nil(t, h.store.Saved().Pending)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.SideEffectErrorTotal.WithLabelValues("journal")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.SideEffectErrorTotal.WithLabelValues("alerts")))
}

// ============================================================================
// Scan Tests
// ============================================================================

func TestScan_RespectsConfirmations(t *testing.T) {
	cfg := testConfig()
	cfg.Confirmations = 3
	h := newHarness(t, 110, cfg)
	h.chain.AddPings(109, 0)

	h.mustTick()
	assert.Equal(t, int64(107), h.engine.Snapshot().State.CursorBlock)
	assert.Equal(t, 0, h.engine.Snapshot().Queued)

	h.chain.SetHead(112)
	h.mustTick()
	assert.Equal(t, 1, h.engine.Snapshot().Queued)
}

func TestScan_BatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 5
	h := newHarness(t, 200, cfg)

	h.mustTick()
	assert.Equal(t, int64(104), h.engine.Snapshot().State.CursorBlock)
	h.mustTick()
	assert.Equal(t, int64(109), h.engine.Snapshot().State.CursorBlock)
}

func TestScan_HeadBelowStartBlock(t *testing.T) {
	h := newHarness(t, 50, testConfig())

	h.mustTick()
	assert.Equal(t, 0, h.chain.FilterCalls)
	assert.Equal(t, int64(testStartBlock-1), h.engine.Snapshot().State.CursorBlock)
}

func TestScan_FailureLeavesCursor(t *testing.T) {
	h := newHarness(t, 110, testConfig())
	estimator := fees.NewEstimator(h.chain, big.NewInt(2*gwei), nil)
	e, err := New(testConfig(), h.chain, failingScanner{err: errors.New("exhausted")}, estimator, h.store, nil, WithMetrics(h.metrics))
	require.NoError(t, err)

	assert.Error(t, e.Tick(context.Background()))
	assert.Equal(t, int64(testStartBlock-1), e.Snapshot().State.CursorBlock)
	assert.Equal(t, "scan: exhausted", e.Snapshot().LastError)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.TickErrorsTotal.WithLabelValues(stageScan)))
}

func TestScan_HeadError(t *testing.T) {
	h := newHarness(t, 110, testConfig())
	h.chain.HeadErr = errors.New("timeout")

	assert.Error(t, h.tick())
	assert.Nil(t, h.store.Saved())
}

// ============================================================================
// Run Loop Tests
// ============================================================================

func TestNextDelay(t *testing.T) {
	h := newHarness(t, 105, testConfig())
	assert.Equal(t, 5*time.Second, h.engine.NextDelay())

	h.chain.AddPings(105, 0, 1)
	h.mustTick()
	assert.Equal(t, time.Duration(0), h.engine.NextDelay(), "queued events dispatch immediately")

	h.mustTick()
	assert.Equal(t, 2*time.Second, h.engine.NextDelay())
}

func TestRun_StopsAndPersists(t *testing.T) {
	cfg := testConfig()
	cfg.SleepInterval = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	h := newHarness(t, 110, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Ticks >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NotNil(t, h.store.Saved())
	assert.Equal(t, int64(110), h.store.Saved().CursorBlock)
}

func TestSnapshot_IsImmutable(t *testing.T) {
	h := newHarness(t, 110, testConfig())
	before := h.engine.Snapshot()

	h.mustTick()

	assert.Equal(t, int64(testStartBlock-1), before.State.CursorBlock)
	assert.Equal(t, int64(110), h.engine.Snapshot().State.CursorBlock)
	assert.Equal(t, uint64(1), h.engine.Snapshot().Ticks)
	assert.Equal(t, "test-run", h.engine.Snapshot().RunID)
}
