package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

var seedFile string

// seedDoc is the YAML shape of a seed file: tilesets plus the datasources
// that back the raster/archive ones.
type seedDoc struct {
	Tilesets    []seedTileset    `yaml:"tilesets"`
	Datasources []seedDatasource `yaml:"datasources"`
}

type seedTileset struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Kind     string         `yaml:"kind"`
	Format   string         `yaml:"format"`
	MinZoom  int            `yaml:"min_zoom"`
	MaxZoom  int            `yaml:"max_zoom"`
	Bounds   []float64      `yaml:"bounds"` // west, south, east, north
	Center   []float64      `yaml:"center"` // lng, lat
	Public   bool           `yaml:"public"`
	Metadata map[string]any `yaml:"metadata"`
}

type seedDatasource struct {
	ID          string `yaml:"id"`
	TilesetID   string `yaml:"tileset_id"`
	Kind        string `yaml:"kind"`
	URL         string `yaml:"url"`
	Provider    string `yaml:"provider"`
	Categorical bool   `yaml:"categorical"`
	BandMapping []int  `yaml:"band_mapping"`
}

func (s seedTileset) toTileset() (*geostore.Tileset, error) {
	ts := &geostore.Tileset{
		ID:      s.ID,
		Name:    s.Name,
		Kind:    s.Kind,
		Format:  s.Format,
		MinZoom: s.MinZoom,
		MaxZoom: s.MaxZoom,
		Public:  s.Public,
	}
	if len(s.Bounds) > 0 {
		if len(s.Bounds) != 4 {
			return nil, eris.Errorf("seed: tileset %s bounds needs 4 values, got %d", s.ID, len(s.Bounds))
		}
		ts.Bounds = &geostore.BBox{
			MinLng: s.Bounds[0], MinLat: s.Bounds[1],
			MaxLng: s.Bounds[2], MaxLat: s.Bounds[3],
		}
	}
	if len(s.Center) > 0 {
		if len(s.Center) != 2 {
			return nil, eris.Errorf("seed: tileset %s center needs 2 values, got %d", s.ID, len(s.Center))
		}
		ts.Center = &geostore.Point{Lng: s.Center[0], Lat: s.Center[1]}
	}
	if len(s.Metadata) > 0 {
		raw, err := json.Marshal(s.Metadata)
		if err != nil {
			return nil, eris.Wrapf(err, "seed: tileset %s metadata", s.ID)
		}
		ts.Metadata = raw
	}
	return ts, nil
}

func (s seedDatasource) toDatasource() *geostore.Datasource {
	return &geostore.Datasource{
		ID:          s.ID,
		TilesetID:   s.TilesetID,
		Kind:        s.Kind,
		URL:         s.URL,
		Provider:    s.Provider,
		Categorical: s.Categorical,
		BandMapping: s.BandMapping,
	}
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register tilesets and datasources from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("load"); err != nil {
			return err
		}

		doc, err := readSeedFile(seedFile)
		if err != nil {
			return err
		}

		store, err := geostore.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		for _, st := range doc.Tilesets {
			ts, err := st.toTileset()
			if err != nil {
				return err
			}
			if err := ts.Validate(); err != nil {
				return err
			}
			if err := store.UpsertTileset(ctx, ts); err != nil {
				return err
			}
			zap.L().Info("tileset seeded", zap.String("id", ts.ID), zap.String("name", ts.Name))
		}
		for _, sd := range doc.Datasources {
			ds := sd.toDatasource()
			if err := ds.Validate(); err != nil {
				return err
			}
			if err := store.UpsertDatasource(ctx, ds); err != nil {
				return err
			}
			zap.L().Info("datasource seeded", zap.String("id", ds.ID), zap.String("url", ds.URL))
		}
		return nil
	},
}

func readSeedFile(path string) (*seedDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read %s", path)
	}
	var doc seedDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "seed: parse %s", path)
	}
	if len(doc.Tilesets) == 0 && len(doc.Datasources) == 0 {
		return nil, eris.Errorf("seed: %s declares no tilesets or datasources", path)
	}
	return &doc, nil
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "tilesets.yaml", "seed file path")
	rootCmd.AddCommand(seedCmd)
}
