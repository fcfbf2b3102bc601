package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
)

// AlertType is the envelope type of a published outcome
const AlertType = "pingpong.outcome"

// Envelope wraps an outcome with routing metadata
type Envelope struct {
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	RunID     string          `json:"runId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Outcome   outcome.Outcome `json:"outcome"`
}

// Serializer encodes outcomes for external backends
type Serializer struct {
	runID string
	now   func() time.Time
}

// NewSerializer creates a serializer stamping alerts with runID
func NewSerializer(runID string) *Serializer {
	return &Serializer{runID: runID, now: time.Now}
}

// ContentType returns the MIME type of serialized alerts
func (s *Serializer) ContentType() string {
	return "application/json"
}

// Serialize encodes o in an envelope
func (s *Serializer) Serialize(o outcome.Outcome) ([]byte, error) {
	if o.RunID == "" {
		o.RunID = s.runID
	}
	data, err := json.Marshal(Envelope{
		Type:      AlertType,
		Severity:  o.Kind.Severity(),
		RunID:     s.runID,
		Timestamp: s.now().UTC(),
		Outcome:   o,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return data, nil
}

// Deserialize decodes an envelope produced by Serialize
func (s *Serializer) Deserialize(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	if env.Type != AlertType {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrDeserializationFailed, env.Type)
	}
	return &env, nil
}
