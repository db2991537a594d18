package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/loom-io/loom/internal/config"
)

const (
	defaultPort       = 8080
	defaultHost       = "0.0.0.0"
	defaultTimeout    = 30 * time.Second
	defaultLogLevel   = slog.LevelInfo
	defaultCORSMaxAge = 86400 // one day, in seconds

	maxPort = 65535
)

// Validation failures reported by ServerConfig.Validate.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

// ServerConfig carries everything the HTTP server reads from the
// environment. It holds no runtime dependencies, so it can be loaded and
// validated before any connection is opened.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        slog.Level

	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
}

// CORSConfig adapts the server's CORS settings to the shape the middleware
// consumes.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// LoadServerConfig reads the server settings from LOOM_SERVER_* and
// LOOM_CORS_* environment variables. The permissive "*" origin default is
// meant for local development; deployments should pin
// LOOM_CORS_ALLOWED_ORIGINS down.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            config.GetEnvStr("LOOM_SERVER_HOST", defaultHost),
		Port:            config.GetEnvInt("LOOM_SERVER_PORT", defaultPort),
		ReadTimeout:     config.GetEnvDuration("LOOM_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("LOOM_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("LOOM_SERVER_SHUTDOWN_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("LOOM_SERVER_LOG_LEVEL", defaultLogLevel),

		CORSAllowedOrigins: envList("LOOM_CORS_ALLOWED_ORIGINS", "*"),
		// The query surface is read-only, so only GET and preflight.
		CORSAllowedMethods: envList("LOOM_CORS_ALLOWED_METHODS", "GET,OPTIONS"),
		CORSAllowedHeaders: envList(
			"LOOM_CORS_ALLOWED_HEADERS",
			"Content-Type,Authorization,X-Correlation-ID,X-Api-Key",
		),
		CORSMaxAge: config.GetEnvInt("LOOM_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// envList reads a comma separated environment variable into a slice.
func envList(key, fallback string) []string {
	return config.ParseCommaSeparatedList(config.GetEnvStr(key, fallback))
}

// Address renders the listen address, bracketing IPv6 hosts as needed.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate rejects configurations the server could not start with.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	timeouts := []struct {
		value time.Duration
		err   error
	}{
		{c.ReadTimeout, ErrInvalidReadTimeout},
		{c.WriteTimeout, ErrInvalidWriteTimeout},
		{c.ShutdownTimeout, ErrInvalidShutdownTimeout},
	}

	for _, tc := range timeouts {
		if tc.value <= 0 {
			return fmt.Errorf("%w: got %v", tc.err, tc.value)
		}
	}

	return nil
}

// ToCORSConfig exposes the CORS fields through the middleware's interface.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins lists the origins allowed to call the API.
func (c *CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }

// GetAllowedMethods lists the allowed request methods.
func (c *CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }

// GetAllowedHeaders lists the allowed request headers.
func (c *CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }

// GetMaxAge returns how long browsers may cache preflight answers.
func (c *CORSConfig) GetMaxAge() int { return c.MaxAge }
