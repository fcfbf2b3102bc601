package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Hephaestus-V/PingPongBot/internal/config"
)

func TestNew_Log(t *testing.T) {
	for _, backend := range []string{"", "log"} {
		p, err := New(context.Background(), config.AlertsConfig{Backend: backend}, "run", nil)
		require.NoError(t, err)
		assert.IsType(t, &LogPublisher{}, p)
	}
}

func TestNew_Kafka(t *testing.T) {
	cfg := config.AlertsConfig{
		Backend: "kafka",
		Kafka:   validKafkaConfig(),
	}

	p, err := New(context.Background(), cfg, "run", nil)
	require.NoError(t, err)
	mp, ok := p.(*MultiPublisher)
	require.True(t, ok)
	assert.Len(t, mp.publishers, 2)
	assert.NoError(t, p.Close())
}

func TestNew_KafkaInvalid(t *testing.T) {
	p, err := New(context.Background(), config.AlertsConfig{Backend: "kafka"}, "run", nil)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := config.AlertsConfig{
		Backend: "redis",
		Redis: config.AlertsRedisConfig{
			Addr:        "127.0.0.1:1",
			Channel:     "c",
			DialTimeout: 200 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	core, logs := observer.New(zap.WarnLevel)
	p, err := New(ctx, cfg, "run", zap.New(core))
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, p)

	entries := logs.FilterMessage("redis alert backend unreachable, falling back to log publisher").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], ErrConnectionFailed.Error())
}

func TestNew_UnknownBackend(t *testing.T) {
	p, err := New(context.Background(), config.AlertsConfig{Backend: "sns"}, "run", nil)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
