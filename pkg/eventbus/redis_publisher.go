package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/internal/config"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
)

// RedisPublisher publishes outcomes on a Redis Pub/Sub channel
type RedisPublisher struct {
	config     config.AlertsRedisConfig
	client     *redis.Client
	serializer *Serializer
	logger     *zap.Logger

	mu        sync.Mutex
	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// Ensure RedisPublisher implements Publisher
var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a Redis publisher. Call Connect before Publish.
func NewRedisPublisher(cfg config.AlertsRedisConfig, runID string, logger *zap.Logger) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrInvalidConfiguration)
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("%w: redis channel is required", ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisPublisher{
		config:     cfg,
		serializer: NewSerializer(runID),
		logger:     logger,
	}, nil
}

// Connect opens the client and verifies the server answers PING
func (p *RedisPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected.Load() {
		return ErrAlreadyConnected
	}

	client := redis.NewClient(&redis.Options{
		Addr:        p.config.Addr,
		Password:    p.config.Password,
		DB:          p.config.DB,
		DialTimeout: p.config.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	p.client = client
	p.connected.Store(true)

	p.logger.Info("connected to Redis",
		zap.String("addr", p.config.Addr),
		zap.String("channel", p.config.Channel))
	return nil
}

// IsConnected returns true if connected to Redis
func (p *RedisPublisher) IsConnected() bool {
	return p.connected.Load()
}

// Publish sends o to the configured channel
func (p *RedisPublisher) Publish(ctx context.Context, o outcome.Outcome) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}

	data, err := p.serializer.Serialize(o)
	if err != nil {
		p.errors.Add(1)
		return err
	}

	if err := p.client.Publish(ctx, p.config.Channel, data).Err(); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}

	p.published.Add(1)
	return nil
}

// Stats returns the number of published alerts and failures
func (p *RedisPublisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.errors.Load()
}

// Close closes the Redis client
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected.Swap(false) {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	p.logger.Info("disconnected from Redis")
	return nil
}
