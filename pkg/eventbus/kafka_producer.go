package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/internal/config"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
)

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes outcomes to a Kafka topic, keyed by event key so all
// alerts for one Ping land on the same partition.
type KafkaPublisher struct {
	config     config.AlertsKafkaConfig
	writer     messageWriter
	serializer *Serializer
	logger     *zap.Logger
	runID      string
	closed     atomic.Bool

	stats struct {
		messagesWritten atomic.Uint64
		bytesWritten    atomic.Uint64
		errors          atomic.Uint64
	}
}

// Ensure KafkaPublisher implements Publisher
var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a Kafka publisher. kafka-go connects lazily on
// the first write, so no broker needs to be reachable here.
func NewKafkaPublisher(cfg config.AlertsKafkaConfig, runID string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: at least one kafka broker is required", ErrInvalidConfiguration)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka topic is required", ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport, err := buildKafkaTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: requiredAcks(cfg.RequiredAcks),
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	if transport != nil {
		writer.Transport = transport
	}

	logger.Info("kafka alert publisher configured",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.Bool("tls", cfg.TLS),
		zap.String("sasl", cfg.SASLMechanism))

	return newKafkaPublisherWithWriter(cfg, writer, runID, logger), nil
}

func newKafkaPublisherWithWriter(cfg config.AlertsKafkaConfig, w messageWriter, runID string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		config:     cfg,
		writer:     w,
		serializer: NewSerializer(runID),
		logger:     logger,
		runID:      runID,
	}
}

// Publish writes o to the topic
func (p *KafkaPublisher) Publish(ctx context.Context, o outcome.Outcome) error {
	if p.closed.Load() {
		return ErrClosed
	}

	data, err := p.serializer.Serialize(o)
	if err != nil {
		p.stats.errors.Add(1)
		return err
	}

	msg := kafka.Message{
		Key:   []byte(o.EventKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(o.Kind)},
			{Key: "severity", Value: []byte(o.Kind.Severity())},
			{Key: "run_id", Value: []byte(p.runID)},
			{Key: "nonce", Value: []byte(strconv.FormatUint(o.Nonce, 10))},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.stats.errors.Add(1)
		return fmt.Errorf("failed to write to Kafka: %w", err)
	}

	p.stats.messagesWritten.Add(1)
	p.stats.bytesWritten.Add(uint64(len(data)))
	return nil
}

// Stats returns publisher statistics
func (p *KafkaPublisher) Stats() KafkaPublisherStats {
	return KafkaPublisherStats{
		MessagesWritten: p.stats.messagesWritten.Load(),
		BytesWritten:    p.stats.bytesWritten.Load(),
		Errors:          p.stats.errors.Load(),
	}
}

// KafkaPublisherStats contains publisher statistics
type KafkaPublisherStats struct {
	MessagesWritten uint64 `json:"messages_written"`
	BytesWritten    uint64 `json:"bytes_written"`
	Errors          uint64 `json:"errors"`
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error("error closing Kafka writer", zap.Error(err))
		return err
	}
	p.logger.Info("kafka alert publisher closed")
	return nil
}
