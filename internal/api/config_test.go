// Package api provides the read-only HTTP query surface over the audit trail.
package api

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg := LoadServerConfig()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, []string{"GET", "OPTIONS"}, cfg.CORSAllowedMethods)
	assert.Equal(t, 86400, cfg.CORSMaxAge)
}

func TestLoadServerConfigFromEnvironment(t *testing.T) {
	t.Setenv("LOOM_SERVER_PORT", "9090")
	t.Setenv("LOOM_SERVER_HOST", "127.0.0.1")
	t.Setenv("LOOM_SERVER_READ_TIMEOUT", "5s")
	t.Setenv("LOOM_SERVER_LOG_LEVEL", "debug")
	t.Setenv("LOOM_CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg := LoadServerConfig()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestServerConfigAddress(t *testing.T) {
	cfg := &ServerConfig{Host: "10.0.0.5", Port: 9191}

	assert.Equal(t, "10.0.0.5:9191", cfg.Address())
}

func TestServerConfigValidate(t *testing.T) {
	valid := func() *ServerConfig {
		return &ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			ShutdownTimeout: time.Second,
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr error
	}{
		{
			name:    "zero port",
			mutate:  func(c *ServerConfig) { c.Port = 0 },
			wantErr: ErrInvalidPort,
		},
		{
			name:    "port above range",
			mutate:  func(c *ServerConfig) { c.Port = 70000 },
			wantErr: ErrInvalidPort,
		},
		{
			name:    "empty host",
			mutate:  func(c *ServerConfig) { c.Host = "" },
			wantErr: ErrEmptyHost,
		},
		{
			name:    "zero read timeout",
			mutate:  func(c *ServerConfig) { c.ReadTimeout = 0 },
			wantErr: ErrInvalidReadTimeout,
		},
		{
			name:    "negative write timeout",
			mutate:  func(c *ServerConfig) { c.WriteTimeout = -time.Second },
			wantErr: ErrInvalidWriteTimeout,
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *ServerConfig) { c.ShutdownTimeout = 0 },
			wantErr: ErrInvalidShutdownTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestToCORSConfig(t *testing.T) {
	cfg := &ServerConfig{
		CORSAllowedOrigins: []string{"https://dashboard.example"},
		CORSAllowedMethods: []string{"GET", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "X-Api-Key"},
		CORSMaxAge:         600,
	}

	cors := cfg.ToCORSConfig()

	assert.Equal(t, []string{"https://dashboard.example"}, cors.GetAllowedOrigins())
	assert.Equal(t, []string{"GET", "OPTIONS"}, cors.GetAllowedMethods())
	assert.Equal(t, []string{"Content-Type", "X-Api-Key"}, cors.GetAllowedHeaders())
	assert.Equal(t, 600, cors.GetMaxAge())
}
