// Package scanner fetches Ping events for a block range with bounded
// retries and returns them in chain order.
package scanner

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/internal/constants"
	"github.com/Hephaestus-V/PingPongBot/pkg/contract"
	"github.com/Hephaestus-V/PingPongBot/pkg/metrics"
)

// LogSource queries contract logs
type LogSource interface {
	FilterLogs(ctx context.Context, address common.Address, topic common.Hash, from, to uint64) ([]types.Log, error)
}

// Event is a normalized Ping log
type Event struct {
	Address     common.Address
	BlockHash   common.Hash
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Topics      []common.Hash
	Data        []byte
}

// Key identifies the event as blockHash:logIndex
func (e Event) Key() string {
	return fmt.Sprintf("%s:%d", e.BlockHash.Hex(), e.LogIndex)
}

// Before reports whether e precedes o in chain order
func (e Event) Before(o Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	return e.LogIndex < o.LogIndex
}

// Config holds scanner configuration
type Config struct {
	Contract    common.Address
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Contract == (common.Address{}) {
		return fmt.Errorf("contract address cannot be zero")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.Jitter < 0 {
		return fmt.Errorf("delays cannot be negative")
	}
	return nil
}

// DefaultConfig returns the production retry policy for contract
func DefaultConfig(contractAddr common.Address) Config {
	return Config{
		Contract:    contractAddr,
		MaxAttempts: constants.DefaultScanMaxAttempts,
		BaseDelay:   constants.DefaultScanBaseDelay,
		MaxDelay:    constants.DefaultScanMaxDelay,
		Jitter:      constants.DefaultScanJitter,
	}
}

// Scanner fetches and normalizes Ping events
type Scanner struct {
	source  LogSource
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// sleep and jitter are replaced in tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New creates a scanner
func New(source LogSource, config Config, logger *zap.Logger, m *metrics.Metrics) (*Scanner, error) {
	if source == nil {
		return nil, fmt.Errorf("log source cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scanner config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scanner{
		source:  source,
		config:  config,
		logger:  logger,
		metrics: m,
		sleep:   sleepContext,
		jitter:  randomJitter,
	}, nil
}

// Scan returns the Ping events in [from, to] sorted by (block, log index).
// Failing queries are retried with exponential backoff; once attempts run
// out the last error is returned.
func (s *Scanner) Scan(ctx context.Context, from, to uint64) ([]Event, error) {
	if from > to {
		return nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		logs, err := s.source.FilterLogs(ctx, s.config.Contract, contract.PingTopic, from, to)
		if err == nil {
			events := s.normalize(logs)
			s.metrics.ObserveScan(time.Since(start), len(events))
			s.logger.Debug("scanned range",
				zap.Uint64("from_block", from),
				zap.Uint64("to_block", to),
				zap.Int("events", len(events)),
				zap.Int("attempt", attempt))
			return events, nil
		}
		lastErr = err

		if attempt == s.config.MaxAttempts {
			break
		}

		s.metrics.RecordScanRetry()
		backoffDelay := s.backoff(attempt)
		s.logger.Warn("log query failed, retrying",
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", to),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.config.MaxAttempts),
			zap.Duration("backoff_delay", backoffDelay),
			zap.Error(err))

		if err := s.sleep(ctx, backoffDelay); err != nil {
			return nil, fmt.Errorf("scan [%d, %d] interrupted: %w", from, to, err)
		}
	}

	return nil, fmt.Errorf("log query [%d, %d] failed after %d attempts: %w", from, to, s.config.MaxAttempts, lastErr)
}

// backoff returns min(MaxDelay, BaseDelay * 2^attempt) plus jitter
func (s *Scanner) backoff(attempt int) time.Duration {
	delay := s.config.MaxDelay
	if attempt < 32 {
		if d := s.config.BaseDelay * time.Duration(1<<uint(attempt)); d > 0 && d < delay {
			delay = d
		}
	}
	if s.config.Jitter > 0 {
		delay += s.jitter(s.config.Jitter)
	}
	return delay
}

func (s *Scanner) normalize(logs []types.Log) []Event {
	events := make([]Event, 0, len(logs))
	for i := range logs {
		l := &logs[i]
		if l.Removed || l.Address != s.config.Contract || !contract.IsPing(l) {
			continue
		}
		events = append(events, Event{
			Address:     l.Address,
			BlockHash:   l.BlockHash,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			LogIndex:    l.Index,
			Topics:      append([]common.Hash(nil), l.Topics...),
			Data:        append([]byte(nil), l.Data...),
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
	return events
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(max)))
}
