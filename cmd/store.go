package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect the feature store",
}

var storeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print catalog and feature counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("load"); err != nil {
			return err
		}

		store, err := geostore.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	storeCmd.AddCommand(storeStatsCmd)
	rootCmd.AddCommand(storeCmd)
}
