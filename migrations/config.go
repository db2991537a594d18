package migrations

import (
	"fmt"
	"net/url"
	"os"
)

// Default migration bookkeeping table. golang-migrate records applied
// versions here.
const defaultTable = "schema_migrations"

// Config carries the connection settings for the migration runner.
type Config struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	// Table is the migration bookkeeping table name.
	Table string
}

// LoadConfig reads DATABASE_URL and MIGRATION_TABLE from the environment.
// The package reads env vars directly rather than going through
// internal/config, which itself depends on this package for test schemas.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Table:       os.Getenv("MIGRATION_TABLE"),
	}

	if cfg.Table == "" {
		cfg.Table = defaultTable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the runner cannot use.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Table == "" {
		return fmt.Errorf("migration table name cannot be empty")
	}

	return nil
}

// String renders the configuration with the database password masked, safe
// for logs.
func (c *Config) String() string {
	return fmt.Sprintf("migrations.Config{DatabaseURL: %s, Table: %s}", maskDatabaseURL(c.DatabaseURL), c.Table)
}

// maskDatabaseURL replaces the password component of a connection URL. URLs
// that do not parse are fully redacted rather than risking a credential in
// a log line.
func maskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable database url)"
	}

	if u.User == nil {
		return raw
	}

	if _, hasPassword := u.User.Password(); !hasPassword {
		return raw
	}

	u.User = url.UserPassword(u.User.Username(), "xxxxx")

	return u.String()
}
