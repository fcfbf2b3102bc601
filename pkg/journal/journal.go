// Package journal keeps a durable, queryable history of resolved Pings in
// PebbleDB. The state file remains the source of truth for the engine; the
// journal only serves operators.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/internal/constants"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
)

var (
	// ErrNotFound is returned when no outcome exists for a key
	ErrNotFound = errors.New("outcome not found")

	// ErrClosed is returned when the journal has been closed
	ErrClosed = errors.New("journal is closed")
)

// Config holds journal configuration
type Config struct {
	// Path is the PebbleDB directory
	Path string

	// Cache is the block cache size in MB
	Cache int

	MaxOpenFiles int
}

// DefaultConfig returns the default configuration for path
func DefaultConfig(path string) *Config {
	return &Config{
		Path:         path,
		Cache:        constants.DefaultJournalCacheSize,
		MaxOpenFiles: constants.DefaultJournalMaxOpenFiles,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if c.Cache < 0 {
		return fmt.Errorf("cache cannot be negative")
	}
	if c.MaxOpenFiles < 0 {
		return fmt.Errorf("max open files cannot be negative")
	}
	return nil
}

// record is the stored value; Seq links it to its index entry
type record struct {
	Seq     uint64          `json:"seq"`
	Outcome outcome.Outcome `json:"outcome"`
}

// Journal is the PebbleDB-backed outcome history
type Journal struct {
	db     *pebble.DB
	logger *zap.Logger
	closed atomic.Bool

	// mu serializes writers so sequence numbers stay dense
	mu      sync.Mutex
	nextSeq uint64
}

// Open opens or creates the journal
func Open(cfg *Config, logger *zap.Logger) (*Journal, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := pebble.NewCache(int64(cfg.Cache) << 20) // MB to bytes
	defer cache.Unref()

	db, err := pebble.Open(cfg.Path, &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: cfg.MaxOpenFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.loadNextSeq(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("outcome journal opened",
		zap.String("path", cfg.Path),
		zap.Uint64("entries", j.nextSeq))
	return j, nil
}

func (j *Journal) loadNextSeq() error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: SeqKeyPrefix(),
		UpperBound: incrementPrefix(SeqKeyPrefix()),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		j.nextSeq = 0
		return nil
	}
	seq, err := DecodeSeqKey(iter.Key())
	if err != nil {
		return fmt.Errorf("failed to decode last sequence: %w", err)
	}
	j.nextSeq = seq + 1
	return nil
}

// Record stores o. Recording the same event again replaces the earlier
// entry and moves it to the newest position.
func (j *Journal) Record(o outcome.Outcome) error {
	if j.closed.Load() {
		return ErrClosed
	}
	if o.EventKey == "" {
		return fmt.Errorf("outcome has no event key")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	batch := j.db.NewBatch()
	defer batch.Close()

	prev, err := j.get(o.EventKey)
	switch {
	case err == nil:
		if err := batch.Delete(SeqKey(prev.Seq), nil); err != nil {
			return fmt.Errorf("failed to delete previous index: %w", err)
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	seq := j.nextSeq
	value, err := json.Marshal(record{Seq: seq, Outcome: o})
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	if err := batch.Set(OutcomeKey(o.EventKey), value, nil); err != nil {
		return fmt.Errorf("failed to set outcome: %w", err)
	}
	if err := batch.Set(SeqKey(seq), []byte(o.EventKey), nil); err != nil {
		return fmt.Errorf("failed to set index: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}

	j.nextSeq = seq + 1
	return nil
}

// Get returns the outcome for an event key
func (j *Journal) Get(eventKey string) (outcome.Outcome, error) {
	if j.closed.Load() {
		return outcome.Outcome{}, ErrClosed
	}
	rec, err := j.get(eventKey)
	if err != nil {
		return outcome.Outcome{}, err
	}
	return rec.Outcome, nil
}

func (j *Journal) get(eventKey string) (*record, error) {
	value, closer, err := j.db.Get(OutcomeKey(eventKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode outcome: %w", err)
	}
	return &rec, nil
}

// Recent returns up to limit outcomes, newest first
func (j *Journal) Recent(limit int) ([]outcome.Outcome, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return []outcome.Outcome{}, nil
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: SeqKeyPrefix(),
		UpperBound: incrementPrefix(SeqKeyPrefix()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	results := make([]outcome.Outcome, 0, limit)
	for valid := iter.Last(); valid && len(results) < limit; valid = iter.Prev() {
		rec, err := j.get(string(iter.Value()))
		if errors.Is(err, ErrNotFound) {
			j.logger.Warn("dangling journal index entry", zap.ByteString("key", iter.Key()))
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, rec.Outcome)
	}

	return results, nil
}

// Count returns the number of sequence numbers handed out
func (j *Journal) Count() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// Close closes the journal
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil // Already closed
	}
	return j.db.Close()
}
