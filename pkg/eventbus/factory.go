package eventbus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/internal/config"
)

// New creates the publisher selected by cfg.Backend. External backends are
// paired with the log publisher so every outcome is also visible locally.
// An unreachable Redis at startup degrades to the log publisher alone.
func New(ctx context.Context, cfg config.AlertsConfig, runID string, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logPub := NewLogPublisher(logger)

	switch Backend(cfg.Backend) {
	case BackendLog, "":
		logger.Info("creating log alert publisher")
		return logPub, nil

	case BackendRedis:
		logger.Info("creating redis alert publisher",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("channel", cfg.Redis.Channel))
		rp, err := NewRedisPublisher(cfg.Redis, runID, logger)
		if err != nil {
			return nil, err
		}
		if err := rp.Connect(ctx); err != nil {
			logger.Warn("redis alert backend unreachable, falling back to log publisher",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err))
			return logPub, nil
		}
		return NewMultiPublisher(logPub, rp), nil

	case BackendKafka:
		kp, err := NewKafkaPublisher(cfg.Kafka, runID, logger)
		if err != nil {
			return nil, err
		}
		return NewMultiPublisher(logPub, kp), nil

	default:
		return nil, fmt.Errorf("%w: unknown alerts backend %q", ErrInvalidConfiguration, cfg.Backend)
	}
}
