package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/mopinfish/geo-base-sub001/internal/geostore"
	"github.com/mopinfish/geo-base-sub001/internal/probe"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
)

var probeCmd = &cobra.Command{
	Use:   "probe <datasource-id>",
	Short: "Check a datasource's connectivity and print its metadata",
	Args:  cobra.ExactArgs(1),
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

		prober := probe.New(rangeio.Options{
			Timeout:       cfg.Sources.Timeout,
			MaxPerOrigin:  cfg.Sources.MaxPerOrigin,
			RatePerSecond: cfg.Sources.RatePerSecond,
			UserAgent:     cfg.Sources.UserAgent,
		})
		res, err := prober.ProbeAndStore(ctx, store, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
