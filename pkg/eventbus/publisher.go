// Package eventbus publishes resolved Ping outcomes to operators. The log
// backend is always available; Redis Pub/Sub and Kafka fan alerts out to
// external consumers.
package eventbus

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
)

// Publisher delivers terminal outcomes. Publish failures are reported to the
// caller but must never affect engine state.
type Publisher interface {
	Publish(ctx context.Context, o outcome.Outcome) error
	Close() error
}

// Backend identifies a publisher implementation
type Backend string

const (
	BackendLog   Backend = "log"
	BackendRedis Backend = "redis"
	BackendKafka Backend = "kafka"
)

// LogPublisher writes outcomes to the structured log
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher backed by logger
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Ensure LogPublisher implements Publisher
var _ Publisher = (*LogPublisher)(nil)

// Publish logs o at a level matching its severity
func (p *LogPublisher) Publish(_ context.Context, o outcome.Outcome) error {
	level := zapcore.InfoLevel
	switch o.Kind.Severity() {
	case outcome.SeverityError:
		level = zapcore.ErrorLevel
	case outcome.SeverityWarn:
		level = zapcore.WarnLevel
	}

	fields := []zap.Field{
		zap.String("kind", string(o.Kind)),
		zap.String("severity", o.Kind.Severity()),
		zap.String("ping_key", o.EventKey),
		zap.String("ping_tx", o.PingTxHash.Hex()),
		zap.String("pong_tx", o.TxHash.Hex()),
		zap.Uint64("nonce", o.Nonce),
		zap.Int("replacements", o.Replacements),
	}
	if o.ReceiptBlock != 0 {
		fields = append(fields,
			zap.Uint64("receipt_block", o.ReceiptBlock),
			zap.Uint64("gas_used", o.GasUsed))
	}

	p.logger.Log(level, "ping outcome", fields...)
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error {
	return nil
}

// MultiPublisher publishes to every wrapped publisher
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher combines publishers; nil entries are dropped
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Publish delivers o to all publishers and joins their errors
func (m *MultiPublisher) Publish(ctx context.Context, o outcome.Outcome) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all publishers
func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
