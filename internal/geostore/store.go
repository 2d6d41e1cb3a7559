package geostore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// DefaultQueryLimit applies when a query does not request a limit.
const DefaultQueryLimit = 100

// MaxQueryLimit is the ceiling a single query can return. Requests above it
// are clamped, never rejected.
const MaxQueryLimit = 1000

// QueryParams selects features from a tileset. The bbox is mandatory for
// tile encoding but optional for catalog-style queries.
type QueryParams struct {
	TilesetID string
	BBox      *BBox
	Layer     string
	PropKey   string
	PropValue string
	Limit     int
	Offset    int
}

// Normalize validates the params and clamps the limit to maxLimit.
func (q *QueryParams) Normalize(maxLimit int) error {
	if q.TilesetID == "" {
		return apperr.Validationf("tileset id is required")
	}
	if q.BBox != nil {
		if err := q.BBox.Validate(); err != nil {
			return err
		}
	}
	if (q.PropKey == "") != (q.PropValue == "") {
		return apperr.Validationf("property filter requires both key and value")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if maxLimit > 0 && q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return nil
}

// Store is the geometry and catalog persistence interface. Both backends
// return features in stable id order so repeated queries (and therefore
// encoded tiles) are deterministic.
type Store interface {
	// Query returns features matching the params, ordered by id. Params are
	// normalized first: an invalid bbox or filter fails before any SQL runs,
	// and the limit is defaulted and clamped.
	Query(ctx context.Context, params QueryParams) ([]Feature, error)
	// LayerFields returns, per layer, the sorted set of property keys seen
	// in the tileset's features. Used for TileJSON vector_layers.
	LayerFields(ctx context.Context, tilesetID string) (map[string][]string, error)
	// InsertFeatures bulk-inserts features into a tileset.
	InsertFeatures(ctx context.Context, tilesetID string, feats []Feature) (int64, error)
	// DeleteFeatures removes all features of a tileset.
	DeleteFeatures(ctx context.Context, tilesetID string) (int64, error)

	GetTileset(ctx context.Context, id string) (*Tileset, error)
	ListTilesets(ctx context.Context) ([]Tileset, error)
	UpsertTileset(ctx context.Context, t *Tileset) error

	GetDatasource(ctx context.Context, id string) (*Datasource, error)
	// GetDatasourceByTileset resolves the datasource backing a raster or
	// archive tileset.
	GetDatasourceByTileset(ctx context.Context, tilesetID string) (*Datasource, error)
	ListDatasources(ctx context.Context) ([]Datasource, error)
	UpsertDatasource(ctx context.Context, d *Datasource) error
	// SetDatasourceProbe records the latest probe result and timestamp.
	SetDatasourceProbe(ctx context.Context, id string, probed json.RawMessage, at time.Time) error

	Stats(ctx context.Context) (*StoreStats, error)
	Ping(ctx context.Context) error
	Close() error
}
