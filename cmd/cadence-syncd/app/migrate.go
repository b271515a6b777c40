package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cadencehq/sync-orchestrator/database"
	"github.com/cadencehq/sync-orchestrator/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := migrateCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// newMigrator loads the config named by the --config flag and builds a
// migrator against the configured database.
func newMigrator(cmd *cobra.Command) (database.Migrator, *config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database == nil {
		return nil, nil, fmt.Errorf("database configuration is required")
	}

	connString, err := cfg.Database.GetMigrationConnectionString()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build migration connection string: %w", err)
	}

	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, cfg, nil
}

// confirm prompts the operator unless --yes was passed.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}

	fmt.Printf("%s (yes/no): ", prompt)
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "yes" || response == "y", nil
}
