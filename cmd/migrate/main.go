package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/Rrens/session-telemetry/internal/config"
	"github.com/Rrens/session-telemetry/internal/repository/sqldb"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the session telemetry schema",
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := sqldb.RunMigrations(cfg.Database.Driver, cfg.Database.MigrateURL()); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		fmt.Println("Migrations applied")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations (one step by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		steps := 1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("steps must be a positive integer, got %q", args[0])
			}
			steps = n
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := sqldb.RollbackMigrations(cfg.Database.Driver, cfg.Database.MigrateURL(), steps); err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		fmt.Printf("Rolled back %d migration(s)\n", steps)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		version, dirty, err := sqldb.MigrationVersion(cfg.Database.Driver, cfg.Database.MigrateURL())
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		fmt.Printf("Version %d (dirty: %t)\n", version, dirty)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (defaults to CONFIG_PATH or ./configs/config.yaml)")
	rootCmd.AddCommand(upCmd, downCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Using %s database\n", cfg.Database.Driver)
	return cfg, nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
