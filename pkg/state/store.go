package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store persists the engine state
type Store interface {
	Load() (*EngineState, error)
	Save(state *EngineState) error
}

// FileStore keeps the state in a single JSON document replaced atomically
type FileStore struct {
	path          string
	startBlock    uint64
	recentSetSize int
	logger        *zap.Logger
}

// NewFileStore creates a store at path. startBlock and recentSetSize seed
// a fresh state when no file exists yet.
func NewFileStore(path string, startBlock uint64, recentSetSize int, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &FileStore{
		path:          path,
		startBlock:    startBlock,
		recentSetSize: recentSetSize,
		logger:        logger,
	}, nil
}

// Path returns the state file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields a fresh state; a file
// that cannot be parsed is an error, since starting over could re-answer
// every Ping since startBlock.
func (s *FileStore) Load() (*EngineState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no state file, starting fresh",
			zap.String("path", s.path),
			zap.Uint64("start_block", s.startBlock))
		return NewEngineState(s.startBlock, s.recentSetSize), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	st := NewEngineState(s.startBlock, s.recentSetSize)
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	st.Dedup.SetCapacity(s.recentSetSize)

	if st.StartBlock != s.startBlock {
		s.logger.Warn("persisted start block differs from configuration, keeping persisted value",
			zap.Uint64("persisted", st.StartBlock),
			zap.Uint64("configured", s.startBlock))
	}

	return st, nil
}

// Save writes the state via a temp file and rename so readers only ever
// see a complete document
func (s *FileStore) Save(state *EngineState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}

	// Persist the rename itself. Not all platforms support syncing a directory.
	if d, dirErr := os.Open(dir); dirErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
