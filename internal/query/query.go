// Package query answers feature search requests with GeoJSON.
package query

import (
	"context"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

// Request is a feature search. BBox is optional; the property filter needs
// both key and value.
type Request struct {
	TilesetID string         `json:"tileset_id"`
	BBox      *geostore.BBox `json:"bbox,omitempty"`
	Layer     string         `json:"layer,omitempty"`
	PropKey   string         `json:"property_key,omitempty"`
	PropValue string         `json:"property_value,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

// Resolved echoes the query as it was actually executed, after defaulting
// and clamping.
type Resolved struct {
	TilesetID string         `json:"tileset_id"`
	BBox      *geostore.BBox `json:"bbox,omitempty"`
	Layer     string         `json:"layer,omitempty"`
	PropKey   string         `json:"property_key,omitempty"`
	PropValue string         `json:"property_value,omitempty"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
}

// Response is the single canonical search shape: a tagged feature
// collection with an explicit count and the resolved query.
type Response struct {
	Type     string             `json:"type"`
	Features []*geojson.Feature `json:"features"`
	Count    int                `json:"count"`
	Query    Resolved           `json:"query"`
}

// FeatureSource is the store slice the engine reads through.
type FeatureSource interface {
	Query(ctx context.Context, params geostore.QueryParams) ([]geostore.Feature, error)
}

// Engine validates search requests and shapes store rows into GeoJSON.
type Engine struct {
	source   FeatureSource
	maxLimit int
	log      *zap.Logger
}

// New creates an engine clamping result sets to maxLimit. A non-positive
// maxLimit, or one above the store ceiling, falls back to
// geostore.MaxQueryLimit.
func New(source FeatureSource, maxLimit int) *Engine {
	if maxLimit <= 0 || maxLimit > geostore.MaxQueryLimit {
		maxLimit = geostore.MaxQueryLimit
	}
	return &Engine{
		source:   source,
		maxLimit: maxLimit,
		log:      zap.L().With(zap.String("component", "query")),
	}
}

// Search runs one feature query. Validation failures never reach the store.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if _, err := uuid.Parse(req.TilesetID); err != nil {
		return nil, apperr.Validationf("tileset id %q is not a valid uuid", req.TilesetID)
	}

	params := geostore.QueryParams{
		TilesetID: req.TilesetID,
		BBox:      req.BBox,
		Layer:     req.Layer,
		PropKey:   req.PropKey,
		PropValue: req.PropValue,
		Limit:     req.Limit,
		Offset:    req.Offset,
	}
	if err := params.Normalize(e.maxLimit); err != nil {
		return nil, err
	}

	feats, err := e.source.Query(ctx, params)
	if err != nil {
		return nil, err
	}

	out := make([]*geojson.Feature, 0, len(feats))
	for _, f := range feats {
		gf := geojson.NewFeature(f.Geometry)
		gf.ID = f.ID
		gf.Properties = geojson.Properties{}
		for k, v := range f.Properties {
			gf.Properties[k] = v
		}
		gf.Properties["layer"] = f.Layer
		out = append(out, gf)
	}

	return &Response{
		Type:     "FeatureCollection",
		Features: out,
		Count:    len(out),
		Query: Resolved{
			TilesetID: params.TilesetID,
			BBox:      params.BBox,
			Layer:     params.Layer,
			PropKey:   params.PropKey,
			PropValue: params.PropValue,
			Limit:     params.Limit,
			Offset:    params.Offset,
		},
	}, nil
}
