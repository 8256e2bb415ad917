package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/stoik/content-inspection/internal/adapters/storage"
	"github.com/stoik/content-inspection/internal/logging"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return errors.New("migrate requires store.driver=postgres")
			}

			st, err := storage.NewPostgresStore(cmd.Context(), cfg.Database.URL, storage.Options{})
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			logging.Info().Msg("database migrations applied")
			return nil
		},
	}
}
