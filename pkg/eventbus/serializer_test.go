package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
)

func sampleOutcome(kind outcome.Kind) outcome.Outcome {
	return outcome.Outcome{
		Kind:                 kind,
		EventKey:             common.HexToHash("0xb10c").Hex() + ":3",
		PingTxHash:           common.HexToHash("0x1111"),
		PingBlock:            100,
		PingLogIndex:         3,
		TxHash:               common.HexToHash("0x2222"),
		Nonce:                7,
		Replacements:         2,
		MaxFeePerGas:         "27596800000",
		MaxPriorityFeePerGas: "2508800000",
		ResolvedAt:           time.Unix(1700000000, 0).UTC(),
	}
}

func TestSerializer_ContentType(t *testing.T) {
	assert.Equal(t, "application/json", NewSerializer("run").ContentType())
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer("run-1")
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	o := sampleOutcome(outcome.Abandoned)
	data, err := s.Serialize(o)
	require.NoError(t, err)

	env, err := s.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, AlertType, env.Type)
	assert.Equal(t, "run-1", env.RunID)
	assert.Equal(t, outcome.SeverityError, env.Severity)
	assert.Equal(t, fixed, env.Timestamp)

	o.RunID = "run-1"
	assert.Equal(t, o, env.Outcome)
}

func TestSerializer_WireShape(t *testing.T) {
	s := NewSerializer("run-1")
	data, err := s.Serialize(sampleOutcome(outcome.Confirmed))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, AlertType, raw["type"])
	assert.Equal(t, "info", raw["severity"])

	inner, ok := raw["outcome"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "confirmed", inner["kind"])
	assert.Equal(t, "27596800000", inner["maxFeePerGas"])
}

func TestSerializer_DeserializeErrors(t *testing.T) {
	s := NewSerializer("")

	_, err := s.Deserialize([]byte("not json"))
	assert.ErrorIs(t, err, ErrDeserializationFailed)

	_, err = s.Deserialize([]byte(`{"type":"other"}`))
	assert.ErrorIs(t, err, ErrDeserializationFailed)
}
