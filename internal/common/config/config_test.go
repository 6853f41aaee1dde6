package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 20, cfg.WebSocket.MaxManagersPerUser)
	assert.Equal(t, 5*time.Minute, cfg.WebSocket.IdleTimeoutDuration())
	assert.Equal(t, time.Minute, cfg.WebSocket.CleanupIntervalDuration())
	assert.Equal(t, 5*time.Second, cfg.WebSocket.CloseTimeoutDuration())
	assert.Empty(t, cfg.NATS.URL)

	// Without an explicit secret a dev secret is generated.
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NETRA_WEBSOCKET_MAX_MANAGERS_PER_USER", "5")
	t.Setenv("NETRA_WEBSOCKET_IDLE_TIMEOUT", "120")
	t.Setenv("NETRA_SERVER_PORT", "9090")
	t.Setenv("NETRA_AUTH_JWT_SECRET", "env-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.WebSocket.MaxManagersPerUser)
	assert.Equal(t, 2*time.Minute, cfg.WebSocket.IdleTimeoutDuration())
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("NETRA_LOGGING_LEVEL", "verbose")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsNonPositiveManagerCap(t *testing.T) {
	t.Setenv("NETRA_WEBSOCKET_MAX_MANAGERS_PER_USER", "0")

	_, err := Load()
	assert.Error(t, err)
}
