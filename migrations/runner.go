package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Runner applies the embedded schema to a Postgres database through
// golang-migrate. Command output (status, version) goes to the configured
// writer; operational messages go to the logger.
type Runner struct {
	cfg    *Config
	m      *migrate.Migrate
	db     *sql.DB
	src    *Source
	out    io.Writer
	logger *slog.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithOutput directs human-readable command output somewhere other than
// stdout. Used by tests to capture status rendering.
func WithOutput(w io.Writer) RunnerOption {
	return func(r *Runner) { r.out = w }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner validates the embedded migration set, connects to the database,
// and prepares a migrate instance over the embedded source. The validation
// happens once here: the embedded set cannot change while the process runs.
func NewRunner(cfg *Config, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		cfg:    cfg,
		src:    NewSource(nil),
		out:    os.Stdout,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := r.src.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration set is invalid: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.Table})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to prepare postgres driver: %w", err)
	}

	source, err := iofs.New(r.src.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to initialize migrate: %w", err)
	}

	m.Log = &migrateLogBridge{logger: r.logger}
	r.m = m
	r.db = db

	r.logger.Info("Migration runner ready", "config", cfg.String())

	return r, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	err := r.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No pending migrations")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All pending migrations applied")

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.m.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Rolled back one migration")

	return nil
}

// Status prints the database schema version against the version this binary
// carries.
func (r *Runner) Status() error {
	current, dirty, err := r.currentVersion()
	if err != nil {
		return err
	}

	latest, err := r.src.LatestVersion()
	if err != nil {
		return err
	}

	writeStatus(r.out, current, dirty, latest)

	return nil
}

// Version prints the current database schema version.
func (r *Runner) Version() error {
	current, dirty, err := r.currentVersion()
	if err != nil {
		return err
	}

	if current == 0 {
		fmt.Fprintln(r.out, "schema version: none (no migrations applied)")

		return nil
	}

	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}

	fmt.Fprintf(r.out, "schema version: %03d%s\n", current, suffix)

	return nil
}

// Drop removes every object in the database, including the migration
// bookkeeping table. The CLI confirms with the operator before calling this.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.m.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	r.logger.Info("All tables dropped")

	return nil
}

// Close releases the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.m != nil {
		sourceErr, dbErr := r.m.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("failed to close migration source: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("failed to close migrate database handle: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	return errors.Join(errs...)
}

// currentVersion normalizes golang-migrate's version reporting: a database
// with no applied migrations reads as version 0, not an error.
func (r *Runner) currentVersion() (int, bool, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}

	return int(version), dirty, nil //nolint:gosec // sequence numbers are small
}

// writeStatus renders the schema comparison for the status command.
func writeStatus(w io.Writer, current int, dirty bool, latest int) {
	if current == 0 {
		fmt.Fprintln(w, "database schema: none (no migrations applied)")
	} else {
		state := "clean"
		if dirty {
			state = "dirty, needs manual intervention"
		}

		fmt.Fprintf(w, "database schema: %03d (%s)\n", current, state)
	}

	fmt.Fprintf(w, "binary supports: %03d\n", latest)

	switch {
	case current == latest:
		fmt.Fprintln(w, "status: up to date")
	case current < latest:
		fmt.Fprintf(w, "status: %d migration(s) pending; run up to apply\n", latest-current)
	default:
		fmt.Fprintln(w, "status: database is newer than this binary; update the migrator")
	}
}

// migrateLogBridge adapts golang-migrate's logger to slog.
type migrateLogBridge struct {
	logger *slog.Logger
}

var _ migrate.Logger = (*migrateLogBridge)(nil)

func (b *migrateLogBridge) Printf(format string, v ...any) {
	b.logger.Info(fmt.Sprintf("migrate: "+format, v...))
}

func (b *migrateLogBridge) Verbose() bool {
	return true
}
