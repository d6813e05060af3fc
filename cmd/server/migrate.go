package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakif/session-auth/internal/config"
	pgRepo "github.com/sakif/session-auth/internal/repository/postgres"
	sqliteRepo "github.com/sakif/session-auth/internal/repository/sqlite"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Apply all pending migrations to the configured database and exit.
The server also migrates on startup; this command is for deploy pipelines.`,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	switch cfg.DBDriver {
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("migrate: DATABASE_URL is required for %s", config.DriverPostgres)
		}
		if err := pgRepo.Migrate(cfg.DatabaseURL, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	default:
		if !strings.Contains(cfg.DBPath, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return fmt.Errorf("migrate: creating database directory: %w", err)
			}
		}
		// New applies migrations as part of opening the database
		db, err := sqliteRepo.New(cfg.DBPath, logger)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if err := db.Close(); err != nil {
			return fmt.Errorf("migrate: closing database: %w", err)
		}
	}

	cmd.Println("Migrations completed successfully")
	return nil
}
