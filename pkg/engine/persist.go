package engine

import (
	"errors"
	"fmt"

	"github.com/Hephaestus-V/PingPongBot/pkg/metrics"
	"github.com/Hephaestus-V/PingPongBot/pkg/state"
)

// ErrPersist wraps every failed state write. The in-memory state is kept and
// written again on the next tick.
var ErrPersist = errors.New("failed to persist state")

func persistState(store state.Store, m *metrics.Metrics, st *state.EngineState) error {
	err := store.Save(st)
	m.RecordStateWrite(err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}
