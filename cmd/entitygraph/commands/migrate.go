package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/pkg/config"
	metapg "github.com/entitygraph/entitygraph/pkg/metadata/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run metadata database migrations",
	Long: `Run schema migrations for the PostgreSQL metadata store.

This command applies pending migrations to the configured metadata
database. It is required after upgrading entitygraph when schema changes
have been made, unless auto_migrate is enabled in the configuration.

Examples:
  # Run migrations with default config
  entitygraph migrate

  # Run migrations with custom config
  entitygraph migrate --config /etc/entitygraph/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	if cfg.Metadata.Backend != "postgres" {
		return fmt.Errorf("migrations only apply to the postgres metadata backend (configured: %s)", cfg.Metadata.Backend)
	}

	logger.Info("Running metadata migrations",
		"host", cfg.Metadata.Postgres.Host,
		"database", cfg.Metadata.Postgres.Database)

	if err := metapg.RunMigrations(context.Background(), cfg.Metadata.Postgres.ConnectionString()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Printf("Migrations completed successfully (database: %s)\n", cfg.Metadata.Postgres.Database)
	return nil
}
