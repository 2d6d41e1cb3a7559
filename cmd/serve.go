package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/geostore"
	"github.com/mopinfish/geo-base-sub001/internal/metrics"
	"github.com/mopinfish/geo-base-sub001/internal/probe"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
	"github.com/mopinfish/geo-base-sub001/internal/tileserver"
)

var (
	servePort      int
	serveCacheSize int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tile and query server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if cmd.Flags().Changed("cache-size") {
			cfg.Cache.TileEntries = serveCacheSize
		}
		if cmd.Flags().Changed("cache-ttl") {
			ttl, err := cmd.Flags().GetDuration("cache-ttl")
			if err != nil {
				return err
			}
			cfg.Cache.TileTTL = ttl
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		store, err := geostore.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		m := metrics.Init(metrics.BuildInfo{Version: version, Revision: revision})

		srv, err := tileserver.New(cfg, store, m)
		if err != nil {
			return err
		}

		prober := probe.New(rangeio.Options{
			Timeout:       cfg.Sources.Timeout,
			MaxPerOrigin:  cfg.Sources.MaxPerOrigin,
			RatePerSecond: cfg.Sources.RatePerSecond,
			UserAgent:     cfg.Sources.UserAgent,
		})
		watcher := probe.NewWatcher(prober, store, cfg.Probe.Interval)
		go watcher.Run(ctx)

		zap.L().Info("geo-base serving",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver))
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP listen port")
	serveCmd.Flags().IntVar(&serveCacheSize, "cache-size", 1000, "encoded tile cache entries")
	serveCmd.Flags().Duration("cache-ttl", 0, "encoded tile cache TTL")
	rootCmd.AddCommand(serveCmd)
}
