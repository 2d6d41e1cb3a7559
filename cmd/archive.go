package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/mopinfish/geo-base-sub001/internal/pmtiles"
	"github.com/mopinfish/geo-base-sub001/internal/rangeio"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect tile archives",
}

var archiveInfoCmd = &cobra.Command{
	Use:   "info <url>",
	Short: "Print an archive's header and metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		fetcher, err := rangeio.Open(args[0], rangeio.Options{
			Timeout:       cfg.Sources.Timeout,
			MaxPerOrigin:  cfg.Sources.MaxPerOrigin,
			RatePerSecond: cfg.Sources.RatePerSecond,
			UserAgent:     cfg.Sources.UserAgent,
		})
		if err != nil {
			return err
		}

		archive, err := pmtiles.Open(ctx, fetcher)
		if err != nil {
			_ = fetcher.Close()
			return err
		}
		defer archive.Close() //nolint:errcheck

		h := archive.Header()
		out := map[string]any{
			"tile_type":        h.TileType.String(),
			"tile_compression": h.TileCompression.String(),
			"min_zoom":         h.MinZoom,
			"max_zoom":         h.MaxZoom,
			"bounds":           []float64{h.MinLon, h.MinLat, h.MaxLon, h.MaxLat},
			"center":           []float64{h.CenterLon, h.CenterLat},
			"center_zoom":      h.CenterZoom,
			"addressed_tiles":  h.AddressedTiles,
			"tile_entries":     h.TileEntries,
			"tile_contents":    h.TileContents,
			"clustered":        h.Clustered,
		}
		if meta, err := archive.Metadata(ctx); err == nil {
			out["metadata"] = json.RawMessage(meta)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	archiveCmd.AddCommand(archiveInfoCmd)
	rootCmd.AddCommand(archiveCmd)
}
