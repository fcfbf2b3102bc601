package testutil

import (
	"encoding/json"
	"sync"

	"github.com/Hephaestus-V/PingPongBot/pkg/state"
)

// MemStore is a state.Store that keeps the last saved document in memory.
// Load decodes that document, so a new engine on the same store behaves
// like a process restarted from disk.
type MemStore struct {
	mu sync.Mutex

	StartBlock    uint64
	RecentSetSize int

	data []byte

	// SaveErr fails every Save while set
	SaveErr error
	Saves   int
}

// NewMemStore creates an empty store
func NewMemStore(startBlock uint64, recentSetSize int) *MemStore {
	return &MemStore{StartBlock: startBlock, RecentSetSize: recentSetSize}
}

// Load returns the saved state or a fresh one
func (s *MemStore) Load() (*state.EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := state.NewEngineState(s.StartBlock, s.RecentSetSize)
	if s.data == nil {
		return st, nil
	}
	if err := json.Unmarshal(s.data, st); err != nil {
		return nil, err
	}
	st.Dedup.SetCapacity(s.RecentSetSize)
	return st, nil
}

// Save stores an encoded copy of st
func (s *MemStore) Save(st *state.EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.data = data
	s.Saves++
	return nil
}

// Saved decodes the last saved state, or returns nil
func (s *MemStore) Saved() *state.EngineState {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	if data == nil {
		return nil
	}
	st := state.NewEngineState(s.StartBlock, s.RecentSetSize)
	if err := json.Unmarshal(data, st); err != nil {
		return nil
	}
	return st
}
