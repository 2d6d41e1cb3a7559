package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/geostore"
	"github.com/mopinfish/geo-base-sub001/internal/shpload"
)

var (
	loadTileset string
	loadLayer   string
	loadBatch   int
)

var loadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Bulk-import features from a shapefile or GeoJSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("load"); err != nil {
			return err
		}
		if loadTileset == "" {
			return eris.New("load: --tileset is required")
		}

		store, err := geostore.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		if _, err := store.GetTileset(ctx, loadTileset); err != nil {
			return err
		}

		loader := shpload.New(store)
		opts := shpload.Options{Layer: loadLayer, BatchSize: loadBatch}

		path := args[0]
		var n int64
		switch strings.ToLower(filepath.Ext(path)) {
		case ".shp":
			n, err = loader.Load(ctx, loadTileset, path, opts)
		case ".geojson", ".json":
			feats, readErr := readGeoJSON(path, loadLayer)
			if readErr != nil {
				return readErr
			}
			n, err = loader.Insert(ctx, loadTileset, feats, opts)
		default:
			return eris.Errorf("load: unsupported file type %q (want .shp or .geojson)", filepath.Ext(path))
		}
		if err != nil {
			return err
		}

		zap.L().Info("features loaded",
			zap.String("file", path),
			zap.String("tileset", loadTileset),
			zap.Int64("count", n))
		return nil
	},
}

func readGeoJSON(path, layer string) ([]geostore.Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "load: read %s", path)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, eris.Wrapf(err, "load: parse %s", path)
	}

	feats := make([]geostore.Feature, 0, len(fc.Features))
	for _, gf := range fc.Features {
		if gf.Geometry == nil {
			continue
		}
		props := map[string]any(gf.Properties)
		featLayer := layer
		if featLayer == "" {
			if l, ok := props["layer"].(string); ok {
				featLayer = l
			}
		}
		feats = append(feats, geostore.Feature{
			Layer:      featLayer,
			Geometry:   gf.Geometry,
			Properties: props,
		})
	}
	return feats, nil
}

func init() {
	loadCmd.Flags().StringVar(&loadTileset, "tileset", "", "target tileset id (required)")
	loadCmd.Flags().StringVar(&loadLayer, "layer", "", "layer name for imported features")
	loadCmd.Flags().IntVar(&loadBatch, "batch", shpload.DefaultBatchSize, "features per insert batch")
	rootCmd.AddCommand(loadCmd)
}
