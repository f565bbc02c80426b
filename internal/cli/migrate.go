package cli

import (
	"github.com/spf13/cobra"

	"mozarex-cache/internal/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := openPostgres(cmd.Context(), cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrations.Up(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
