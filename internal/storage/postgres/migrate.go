package postgres

import (
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5 scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator applies the embedded schema migrations.
type Migrator struct {
	databaseURL string
	logger      *zap.Logger
}

// NewMigrator builds a Migrator for a postgres:// DSN.
func NewMigrator(dsn string, logger *zap.Logger) (*Migrator, error) {
	dbURL, err := migrationURL(dsn)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{databaseURL: dbURL, logger: logger}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	mig, err := m.open()
	if err != nil {
		return err
	}
	defer m.close(mig)

	if err := mig.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no pending migrations")
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := mig.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	m.logger.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Reset drops every table and re-applies the schema.
func (m *Migrator) Reset() error {
	mig, err := m.open()
	if err != nil {
		return err
	}
	if err := mig.Drop(); err != nil {
		m.close(mig)
		return fmt.Errorf("drop schema: %w", err)
	}
	m.close(mig)
	m.logger.Warn("schema dropped")
	// Drop removes the version table too, so Up needs a fresh instance.
	return m.Up()
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("create iofs source: %w", err)
	}
	mig, err := migrate.NewWithSourceInstance("iofs", source, m.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return mig, nil
}

func (m *Migrator) close(mig *migrate.Migrate) {
	srcErr, dbErr := mig.Close()
	if srcErr != nil || dbErr != nil {
		m.logger.Warn("close migrator", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
	}
}

// migrationURL rewrites a postgres DSN to the scheme the pgx driver registers.
func migrationURL(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("db.dsn is required")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql", "pgx5":
		u.Scheme = "pgx5"
	default:
		return "", fmt.Errorf("unsupported dsn scheme %q", u.Scheme)
	}
	return u.String(), nil
}
