package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/pkg/engine"
	"github.com/Hephaestus-V/PingPongBot/pkg/journal"
	"github.com/Hephaestus-V/PingPongBot/pkg/metrics"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
	"github.com/Hephaestus-V/PingPongBot/pkg/state"
)

type staticSource struct {
	snap *engine.Snapshot
}

func (s *staticSource) Snapshot() *engine.Snapshot { return s.snap }

type brokenReader struct{}

func (brokenReader) Get(string) (outcome.Outcome, error)   { return outcome.Outcome{}, errors.New("disk") }
func (brokenReader) Recent(int) ([]outcome.Outcome, error) { return nil, errors.New("disk") }

func testSnapshot() *engine.Snapshot {
	st := state.NewEngineState(100, 10)
	st.AdvanceCursor(105, 2)
	st.Pending = &state.PendingTx{
		Nonce:       7,
		TxHash:      common.HexToHash("0xabc"),
		EventKey:    "0xping:2",
		SentAtBlock: 106,
	}
	return &engine.Snapshot{
		State:     st,
		Queued:    1,
		ChainHead: 110,
		Ticks:     3,
		LastTick:  time.Unix(1700000000, 0).UTC(),
		RunID:     "run-1",
	}
}

func newTestServer(t *testing.T, snap *engine.Snapshot, outcomes OutcomeReader) *Server {
	t.Helper()
	m := metrics.New("pingpong_test")
	s, err := NewServer(DefaultConfig(), zap.NewNop(), &staticSource{snap: snap}, outcomes, m.Handler())
	require.NoError(t, err)
	return s
}

func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(journal.DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty address", func(c *Config) { c.Address = "" }, true},
		{"zero read timeout", func(c *Config) { c.ReadTimeout = 0 }, true},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }, true},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }, true},
		{"zero header bytes", func(c *Config) { c.MaxHeaderBytes = 0 }, true},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewServer_Errors(t *testing.T) {
	src := &staticSource{}

	_, err := NewServer(nil, zap.NewNop(), src, nil, nil)
	assert.Error(t, err)

	_, err = NewServer(&Config{}, zap.NewNop(), src, nil, nil)
	assert.Error(t, err)

	_, err = NewServer(DefaultConfig(), nil, src, nil, nil)
	assert.Error(t, err)

	_, err = NewServer(DefaultConfig(), zap.NewNop(), nil, nil, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		snap       func() *engine.Snapshot
		wantStatus string
	}{
		{"no snapshot", func() *engine.Snapshot { return nil }, StatusStarting},
		{"before first tick", func() *engine.Snapshot {
			s := testSnapshot()
			s.Ticks = 0
			return s
		}, StatusStarting},
		{"healthy", testSnapshot, StatusOK},
		{"last tick failed", func() *engine.Snapshot {
			s := testSnapshot()
			s.LastError = "scan: rpc down"
			return s
		}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.snap(), nil)
			rec := do(t, s, "/health")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}

func TestHealth_ReportsCursorAndPending(t *testing.T) {
	s := newTestServer(t, testSnapshot(), nil)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(do(t, s, "/health").Body.Bytes(), &resp))

	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, int64(105), resp.CursorBlock)
	assert.Equal(t, int64(2), resp.CursorLogIndex)
	assert.Equal(t, uint64(110), resp.ChainHead)
	assert.Equal(t, 1, resp.Queued)
	require.NotNil(t, resp.LastTick)
	require.NotNil(t, resp.Pending)
	assert.Equal(t, uint64(7), resp.Pending.Nonce)
	assert.Equal(t, common.HexToHash("0xabc"), resp.Pending.TxHash)
	assert.Equal(t, "0xping:2", resp.Pending.PingKey)
}

func TestState(t *testing.T) {
	s := newTestServer(t, testSnapshot(), nil)
	rec := do(t, s, "/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	st := body["state"].(map[string]any)
	assert.Equal(t, float64(105), st["lastProcessedBlock"])
	assert.Equal(t, float64(2), st["lastProcessedLogIndex"])
	assert.Equal(t, "0xping:2", st["pendingTx"].(map[string]any)["pingKey"])

	empty := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, empty, "/state").Code)
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, testSnapshot(), nil)
	rec := do(t, s, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"dev","name":"pingpong"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, testSnapshot(), nil)
	rec := do(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	noMetrics, err := NewServer(DefaultConfig(), zap.NewNop(), &staticSource{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, do(t, noMetrics, "/metrics").Code)
}

func TestOutcomes(t *testing.T) {
	j := newTestJournal(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(outcome.Outcome{
			Kind:     outcome.Confirmed,
			EventKey: fmt.Sprintf("0xping:%d", i),
			Nonce:    uint64(i),
		}))
	}
	s := newTestServer(t, testSnapshot(), j)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantLen  int
	}{
		{"default limit", "/outcomes", http.StatusOK, 5},
		{"explicit limit", "/outcomes?limit=2", http.StatusOK, 2},
		{"limit above max is clamped", "/outcomes?limit=100000", http.StatusOK, 5},
		{"zero limit", "/outcomes?limit=0", http.StatusBadRequest, 0},
		{"bad limit", "/outcomes?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.path)
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var got []outcome.Outcome
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Len(t, got, tt.wantLen)
			assert.Equal(t, "0xping:4", got[0].EventKey, "newest first")
		})
	}
}

func TestOutcomeByKey(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Record(outcome.Outcome{
		Kind:     outcome.Abandoned,
		EventKey: "0xping:3",
		Nonce:    9,
	}))
	s := newTestServer(t, testSnapshot(), j)

	rec := do(t, s, "/outcomes/0xping:3")
	require.Equal(t, http.StatusOK, rec.Code)
	var got outcome.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, outcome.Abandoned, got.Kind)
	assert.Equal(t, uint64(9), got.Nonce)

	assert.Equal(t, http.StatusNotFound, do(t, s, "/outcomes/0xother:0").Code)
}

func TestOutcomes_Unavailable(t *testing.T) {
	s := newTestServer(t, testSnapshot(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, "/outcomes").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, "/outcomes/0xping:1").Code)

	broken := newTestServer(t, testSnapshot(), brokenReader{})
	assert.Equal(t, http.StatusInternalServerError, do(t, broken, "/outcomes").Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, broken, "/outcomes/0xping:1").Code)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	s, err := NewServer(cfg, zap.NewNop(), &staticSource{snap: testSnapshot()}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
