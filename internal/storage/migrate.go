package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog/log"
)

// RunMigrations applies all pending up migrations from migrationsDir and
// returns the resulting schema version.
func RunMigrations(dbURL, migrationsDir string) (uint, error) {
	if dbURL == "" {
		return 0, ErrNotConfigured
	}
	m, err := migrate.New("file://"+migrationsDir, dbURL)
	if err != nil {
		return 0, fmt.Errorf("creating migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return 0, fmt.Errorf("running migrations: %w", err)
		}
		log.Debug().Msg("audit schema already current")
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
