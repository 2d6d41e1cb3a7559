package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/config"
)

var cfg *config.Config

// Set via -ldflags at build time.
var (
	version  = "dev"
	revision = ""
)

var rootCmd = &cobra.Command{
	Use:   "geo-base",
	Short: "Map tile server and spatial analytics engine",
	Long:  "Serves vector, raster and archive tiles, answers GeoJSON feature searches, and runs spatial analytics over a Postgres/PostGIS or SQLite feature store.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
