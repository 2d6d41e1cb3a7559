package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/db"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		switch cfg.Store.Driver {
		case "postgres":
			pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := geostore.Migrate(ctx, pool); err != nil {
				return err
			}
		default:
			// The sqlite backend migrates itself on open.
			store, err := geostore.Open(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
		}

		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
