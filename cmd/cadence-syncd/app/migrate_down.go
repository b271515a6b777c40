package app

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/cadencehq/sync-orchestrator/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Migrate the database down",
	Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  cadence-syncd migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys all data)
  cadence-syncd migrate down --config config.yaml --yes`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	m, _, err := newMigrator(cmd)
	if err != nil {
		return err
	}

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}

	var prompt string
	if numSteps == 0 {
		prompt = "WARNING: This will migrate down ALL steps and may result in complete data loss. Continue?"
	} else {
		prompt = fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", numSteps)
	}
	ok, err := confirm(cmd, prompt)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Migration cancelled by user")
		return nil
	}

	if err := executeMigrateDown(m, numSteps); err != nil {
		return err
	}

	displayMigrationVersion(m, numSteps)
	return nil
}

func executeMigrateDown(m database.Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		slog.Warn("Migrating down all steps - this will remove all schema")
		err = m.Down()
	} else {
		slog.Info("Migrating down", "steps", numSteps)
		// Check for overflow before conversion
		if numSteps > math.MaxInt {
			return fmt.Errorf("number of steps exceeds maximum allowed value")
		}
		err = m.Steps(-1 * int(numSteps)) // #nosec G115 -- overflow checked above
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No migrations to revert - database is already at the oldest version")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("Migration completed successfully")
	return nil
}

func displayMigrationVersion(m database.Migrator, numSteps uint) {
	version, dirty, err := m.Version()
	if err != nil {
		if numSteps == 0 {
			slog.Info("Database schema has been completely removed")
		} else {
			slog.Warn("Failed to get migration version", "error", err)
		}
		return
	}

	if dirty {
		slog.Warn("Database is in a dirty state - manual intervention may be required", "version", version)
	} else {
		slog.Info("Current migration version", "version", version)
	}
}
