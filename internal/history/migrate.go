package history

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/db"
)

// RunMigrations applies or rolls back the embedded Postgres migrations.
// Supported commands: "up", "down", "version", "force N".
func RunMigrations(logger zerolog.Logger, dsn, command string, args []string) error {
	switch command {
	case "up", "down", "version", "force":
	default:
		return fmt.Errorf("history: unknown migrate command %q (use: up, down, version, force)", command)
	}
	if command == "force" && len(args) == 0 {
		return fmt.Errorf("history: force requires a version number argument")
	}

	source, err := iofs.New(db.MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("history: migrate init: %w", err)
	}
	defer m.Close()

	m.Log = &migrateLogger{logger: logger}

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("history: migrate up: %w", err)
		}
		ver, dirty, _ := m.Version()
		logger.Info().Uint("version", ver).Bool("dirty", dirty).Msg("migration complete")

	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("history: migrate down: %w", err)
		}
		logger.Info().Msg("all migrations rolled back")

	case "version":
		ver, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("history: migrate version: %w", err)
		}
		logger.Info().Uint("version", ver).Bool("dirty", dirty).Msg("current version")

	case "force":
		var version int
		if _, err := fmt.Sscanf(args[0], "%d", &version); err != nil {
			return fmt.Errorf("history: invalid version: %w", err)
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("history: migrate force: %w", err)
		}
		logger.Info().Int("version", version).Msg("forced version")
	}

	return nil
}

type migrateLogger struct {
	logger zerolog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info().Msgf(format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
