package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/dalnet/dunamis/internal/bot"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the postgres storage driver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return oops.Code("CONFIG_INVALID").With("driver", cfg.Storage.Driver).
					Errorf("migrations only apply to the postgres storage driver")
			}
			cmd.Println("Running migrations...")
			if err := bot.Migrate(cfg); err != nil {
				return oops.Code("MIGRATION_FAILED").Wrap(err)
			}
			cmd.Println("Migrations completed successfully")
			return nil
		},
	}
}
