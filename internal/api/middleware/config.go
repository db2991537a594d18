// Package middleware provides HTTP middleware components for the Loom audit API.
package middleware

import (
	"time"

	"github.com/loom-io/loom/internal/config"
)

// Config tunes the in-memory rate limiter. Zero fields fall back to the
// package defaults when the limiter is constructed.
type Config struct {
	// Sustained rates in requests per second.
	GlobalRPS int
	ClientRPS int
	UnAuthRPS int

	// Burst overrides. Zero means twice the sustained rate.
	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	// CleanupInterval is the sweep cadence for idle client buckets and
	// IdleTimeout how long a bucket survives without traffic.
	CleanupInterval time.Duration
	IdleTimeout     time.Duration

	// MaxClients is an advisory ceiling for the client table. Crossing
	// 80% of it logs a warning; nothing is evicted early.
	MaxClients int
}

// LoadConfig reads rate limiter settings from the environment, falling back
// to the package defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("LOOM_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("LOOM_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("LOOM_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("LOOM_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("LOOM_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("LOOM_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("LOOM_RATE_LIMIT_CLEANUP_INTERVAL", defaultCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("LOOM_RATE_LIMIT_IDLE_TIMEOUT", defaultIdleTimeout),
		MaxClients:      config.GetEnvInt("LOOM_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
