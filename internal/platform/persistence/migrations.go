package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // PostgreSQL driver
	_ "github.com/golang-migrate/migrate/v4/source/file"       // File source driver
)

// ErrDirtySchema means an earlier migration stopped halfway. The ledger's
// append-only trigger may be missing, so the service refuses to start.
var ErrDirtySchema = errors.New("postgres schema is dirty")

// RunMigrations brings the schema up to date and returns its version
func RunMigrations(logger *slog.Logger, databaseURL, migrationsPath string) (version uint, err error) {
	if migrationsPath == "" {
		return 0, errors.New("migrations path cannot be empty")
	}
	if databaseURL == "" {
		return 0, errors.New("database URL cannot be empty")
	}

	m, err := migrate.New(sourceURL(migrationsPath), databaseURL)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(sourceErr, dbErr)
		}
	}()

	current, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("Empty database, applying all migrations", "source", migrationsPath)
	case err != nil:
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	case dirty:
		return current, fmt.Errorf("%w at version %d", ErrDirtySchema, current)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return current, fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, _, err = m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != current {
		logger.Info("Applied migrations", "from_version", current, "to_version", version)
	}
	return version, nil
}

// sourceURL turns a directory into a golang-migrate file source
func sourceURL(migrationsPath string) string {
	if strings.HasPrefix(migrationsPath, "file://") {
		return migrationsPath
	}
	return "file://" + filepath.ToSlash(filepath.Clean(migrationsPath))
}
