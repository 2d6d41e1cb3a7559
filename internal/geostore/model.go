// Package geostore is the geometry and catalog store adapter. It owns the
// canonical in-memory form of tilesets, features, and datasources, and
// executes bounding-box/property-filtered feature queries against either a
// Postgres/PostGIS or SQLite backend.
package geostore

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// Tileset kinds.
const (
	KindVector  = "vector"
	KindRaster  = "raster"
	KindArchive = "archive"
)

// DefaultLayer is the layer name assigned to features without one.
const DefaultLayer = "default"

// BBox is a geographic bounding box in WGS84 degrees.
type BBox struct {
	MinLng float64 `json:"min_lng"`
	MinLat float64 `json:"min_lat"`
	MaxLng float64 `json:"max_lng"`
	MaxLat float64 `json:"max_lat"`
}

// Validate checks bbox ordering and world bounds. Boxes that would cross the
// antimeridian are rejected; split-query support is a deliberate gap.
func (b BBox) Validate() error {
	if b.MinLng > b.MaxLng || b.MinLat > b.MaxLat {
		return apperr.Validationf("invalid bbox: min (%g,%g) exceeds max (%g,%g)",
			b.MinLng, b.MinLat, b.MaxLng, b.MaxLat)
	}
	if b.MinLng < -180 || b.MaxLng > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return apperr.Validationf("bbox must lie within [-180,-90,180,90] and not cross the antimeridian")
	}
	return nil
}

// ClampWorld clips the bbox to world bounds. Buffered tile bounds at the
// world edge spill past them and would otherwise fail Validate.
func (b BBox) ClampWorld() BBox {
	return BBox{
		MinLng: math.Max(b.MinLng, -180), MinLat: math.Max(b.MinLat, -90),
		MaxLng: math.Min(b.MaxLng, 180), MaxLat: math.Min(b.MaxLat, 90),
	}
}

// Bound converts to an orb.Bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLng, b.MinLat}, Max: orb.Point{b.MaxLng, b.MaxLat}}
}

// FromBound converts an orb.Bound to a BBox.
func FromBound(bd orb.Bound) BBox {
	return BBox{MinLng: bd.Min[0], MinLat: bd.Min[1], MaxLng: bd.Max[0], MaxLat: bd.Max[1]}
}

// Point is a lon/lat coordinate pair.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Tileset describes a servable tile layer. Created by the catalog API;
// the serving path treats it as read-only.
type Tileset struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Format    string          `json:"format"`
	MinZoom   int             `json:"min_zoom"`
	MaxZoom   int             `json:"max_zoom"`
	Bounds    *BBox           `json:"bounds,omitempty"`
	Center    *Point          `json:"center,omitempty"`
	Public    bool            `json:"public"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Validate checks the tileset invariants before persisting.
func (t *Tileset) Validate() error {
	if _, err := uuid.Parse(t.ID); err != nil {
		return apperr.Validationf("tileset id %q is not a valid uuid", t.ID)
	}
	switch t.Kind {
	case KindVector, KindRaster, KindArchive:
	default:
		return apperr.Validationf("tileset kind %q must be vector, raster, or archive", t.Kind)
	}
	if t.MinZoom < 0 || t.MaxZoom > 22 || t.MinZoom > t.MaxZoom {
		return apperr.Validationf("tileset zoom range [%d,%d] must satisfy 0 <= min <= max <= 22",
			t.MinZoom, t.MaxZoom)
	}
	if t.Bounds != nil {
		if err := t.Bounds.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Feature is a stored geometry with properties, owned by a tileset.
type Feature struct {
	ID         int64          `json:"id"`
	TilesetID  string         `json:"tileset_id"`
	Layer      string         `json:"layer"`
	Geometry   orb.Geometry   `json:"-"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Datasource points a tileset at an external archive or raster source.
type Datasource struct {
	ID          string          `json:"id"`
	TilesetID   string          `json:"tileset_id"`
	Kind        string          `json:"kind"`
	URL         string          `json:"url"`
	Provider    string          `json:"provider,omitempty"`
	Categorical bool            `json:"categorical"`
	BandMapping []int           `json:"band_mapping,omitempty"`
	Probed      json.RawMessage `json:"probed,omitempty"`
	ProbedAt    *time.Time      `json:"probed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Validate checks the datasource invariants before persisting.
func (d *Datasource) Validate() error {
	if _, err := uuid.Parse(d.ID); err != nil {
		return apperr.Validationf("datasource id %q is not a valid uuid", d.ID)
	}
	if _, err := uuid.Parse(d.TilesetID); err != nil {
		return apperr.Validationf("datasource tileset id %q is not a valid uuid", d.TilesetID)
	}
	switch d.Kind {
	case KindRaster, KindArchive:
	default:
		return apperr.Validationf("datasource kind %q must be raster or archive", d.Kind)
	}
	if d.URL == "" {
		return apperr.Validationf("datasource url is required")
	}
	return nil
}

// StoreStats summarizes catalog contents for the store stats command.
type StoreStats struct {
	Tilesets    int64 `json:"tilesets"`
	Features    int64 `json:"features"`
	Datasources int64 `json:"datasources"`
}
