package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hephaestus-V/PingPongBot/internal/config"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
)

func validRedisConfig() config.AlertsRedisConfig {
	return config.AlertsRedisConfig{
		Addr:        "127.0.0.1:1",
		Channel:     "pingpong:outcomes",
		DialTimeout: 200 * time.Millisecond,
	}
}

func TestNewRedisPublisher_Validation(t *testing.T) {
	cfg := validRedisConfig()
	cfg.Addr = ""
	p, err := NewRedisPublisher(cfg, "run", nil)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	cfg = validRedisConfig()
	cfg.Channel = ""
	_, err = NewRedisPublisher(cfg, "run", nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestRedisPublisher_NotConnected(t *testing.T) {
	p, err := NewRedisPublisher(validRedisConfig(), "run", nil)
	require.NoError(t, err)

	assert.False(t, p.IsConnected())
	assert.ErrorIs(t, p.Publish(context.Background(), sampleOutcome(outcome.Confirmed)), ErrNotConnected)
	assert.NoError(t, p.Close(), "closing an unconnected publisher is a no-op")
}

func TestRedisPublisher_ConnectFailure(t *testing.T) {
	p, err := NewRedisPublisher(validRedisConfig(), "run", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = p.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.False(t, p.IsConnected())
}
