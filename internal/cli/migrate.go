package cli

import (
	"fmt"

	"licensing-controlplane/internal/migrate"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/logger"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Auto-migrates every table the service owns using the DATABASE.*
settings from the environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if _, err := logger.New(logger.ConfigParams{Cfg: cfg}); err != nil {
				return err
			}

			conn := db.New(cfg, db.Dialect(cfg))
			defer closeDB(conn)

			if err := migrate.Run(cmd.Context(), conn); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d models\n", len(migrate.Models()))
			return nil
		},
	}
}

func closeDB(conn *gorm.DB) {
	if sqlDB, err := conn.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
