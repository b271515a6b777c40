package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending database migrations to bring the schema up to date.
This command reads the database connection parameters from the config file
and applies every migration that hasn't been run yet.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	m, cfg, err := newMigrator(cmd)
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf("About to apply migrations to database %s@%s:%d/%s. Continue?",
		cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	ok, err := confirm(cmd, prompt)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Migration cancelled by user")
		return nil
	}

	slog.Info("Applying database migrations")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No pending migrations - database is up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	switch {
	case err != nil:
		slog.Warn("Unable to get migration version", "error", err)
	case dirty:
		slog.Warn("Database is in a dirty state", "version", version)
	default:
		slog.Info("Migrations applied successfully", "version", version)
	}
	return nil
}
