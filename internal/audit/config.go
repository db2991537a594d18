package audit

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/loom-io/loom/internal/config"
)

// Connection pool defaults. The audit store runs many short transactions,
// so a modest pool with recycled connections covers it.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned when no database URL is configured.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config carries Postgres connection settings for the audit store. The URL
// itself stays unexported so it cannot wander into a log line; callers log
// MaskDatabaseURL instead.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig reads connection settings from the environment.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// NewConfig builds a config for an explicit database URL, used by the
// runner CLI where the URL arrives via flag rather than environment. Pool
// settings still come from the environment.
func NewConfig(databaseURL string) *Config {
	cfg := LoadConfig()
	cfg.databaseURL = databaseURL

	return cfg
}

// Validate rejects configurations the connection layer cannot use.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns the connection URL with its password replaced,
// safe for logging. URLs that do not parse are fully redacted rather than
// risking a credential leak.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	u, err := url.Parse(c.databaseURL)
	if err != nil {
		return "(unparseable database url)"
	}

	if u.User == nil {
		return c.databaseURL
	}

	if _, hasPassword := u.User.Password(); !hasPassword {
		return c.databaseURL
	}

	u.User = url.UserPassword(u.User.Username(), "xxxxx")

	return u.String()
}
