package geostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/db"
)

// PostgresStore implements Store on a Postgres connection pool with PostGIS.
// Geometries live in a geometry(Geometry,4326) column; queries read them back
// as GeoJSON and the bbox filter rides the GIST index via the && operator.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Query implements Store.
func (s *PostgresStore) Query(ctx context.Context, params QueryParams) ([]Feature, error) {
	if err := params.Normalize(MaxQueryLimit); err != nil {
		return nil, err
	}
	var (
		conds = []string{"tileset_id = $1"}
		args  = []any{params.TilesetID}
	)
	if params.BBox != nil {
		b := params.BBox
		conds = append(conds, fmt.Sprintf("geom && ST_MakeEnvelope($%d, $%d, $%d, $%d, 4326)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4))
		args = append(args, b.MinLng, b.MinLat, b.MaxLng, b.MaxLat)
	}
	if params.Layer != "" {
		conds = append(conds, fmt.Sprintf("layer = $%d", len(args)+1))
		args = append(args, params.Layer)
	}
	if params.PropKey != "" {
		conds = append(conds, fmt.Sprintf("properties->>$%d = $%d", len(args)+1, len(args)+2))
		args = append(args, params.PropKey, params.PropValue)
	}
	sql := fmt.Sprintf(`
		SELECT id, layer, ST_AsGeoJSON(geom), properties, created_at
		FROM geo.features
		WHERE %s
		ORDER BY id
		LIMIT $%d OFFSET $%d
	`, strings.Join(conds, " AND "), len(args)+1, len(args)+2)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: query features")
	}
	defer rows.Close()

	var feats []Feature
	for rows.Next() {
		var (
			f        Feature
			geomJSON []byte
			props    []byte
		)
		if err := rows.Scan(&f.ID, &f.Layer, &geomJSON, &props, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "geostore: scan feature row")
		}
		f.TilesetID = params.TilesetID
		g, err := geojson.UnmarshalGeometry(geomJSON)
		if err != nil {
			return nil, eris.Wrap(err, "geostore: decode feature geometry")
		}
		f.Geometry = g.Geometry()
		if len(props) > 0 {
			if err := json.Unmarshal(props, &f.Properties); err != nil {
				return nil, eris.Wrap(err, "geostore: decode feature properties")
			}
		}
		feats = append(feats, f)
	}
	return feats, rows.Err()
}

// LayerFields implements Store.
func (s *PostgresStore) LayerFields(ctx context.Context, tilesetID string) (map[string][]string, error) {
	sql := `
		SELECT DISTINCT layer, jsonb_object_keys(properties) AS key
		FROM geo.features
		WHERE tileset_id = $1
		ORDER BY layer, key
	`
	rows, err := s.pool.Query(ctx, sql, tilesetID)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: query layer fields")
	}
	defer rows.Close()

	fields := make(map[string][]string)
	for rows.Next() {
		var layer, key string
		if err := rows.Scan(&layer, &key); err != nil {
			return nil, eris.Wrap(err, "geostore: scan layer field row")
		}
		fields[layer] = append(fields[layer], key)
	}
	return fields, rows.Err()
}

// InsertFeatures implements Store. Features are staged into a temp table via
// COPY with EWKB geometry bytes, then moved into geo.features through
// ST_GeomFromEWKB in one INSERT ... SELECT.
func (s *PostgresStore) InsertFeatures(ctx context.Context, tilesetID string, feats []Feature) (int64, error) {
	if len(feats) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(feats))
	for i, f := range feats {
		layer := f.Layer
		if layer == "" {
			layer = DefaultLayer
		}
		geomBytes, err := marshalEWKB(f.Geometry)
		if err != nil {
			return 0, err
		}
		props, err := json.Marshal(f.Properties)
		if err != nil {
			return 0, eris.Wrap(err, "geostore: marshal feature properties")
		}
		rows[i] = []any{layer, geomBytes, props}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "geostore: begin insert features")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE _stage_features (
			layer      TEXT NOT NULL,
			geom       BYTEA NOT NULL,
			properties JSONB
		) ON COMMIT DROP
	`)
	if err != nil {
		return 0, eris.Wrap(err, "geostore: create staging table")
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"_stage_features"},
		[]string{"layer", "geom", "properties"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return 0, eris.Wrap(err, "geostore: copy features to staging")
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO geo.features (tileset_id, layer, geom, properties)
		SELECT $1, layer, ST_GeomFromEWKB(geom), properties
		FROM _stage_features
	`, tilesetID)
	if err != nil {
		return 0, eris.Wrap(err, "geostore: insert features from staging")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "geostore: commit insert features")
	}
	return tag.RowsAffected(), nil
}

// DeleteFeatures implements Store.
func (s *PostgresStore) DeleteFeatures(ctx context.Context, tilesetID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM geo.features WHERE tileset_id = $1`, tilesetID)
	if err != nil {
		return 0, eris.Wrap(err, "geostore: delete features")
	}
	return tag.RowsAffected(), nil
}

// GetTileset implements Store.
func (s *PostgresStore) GetTileset(ctx context.Context, id string) (*Tileset, error) {
	sql := `
		SELECT id, name, kind, format, min_zoom, max_zoom, bounds, center,
		       public, metadata, created_at, updated_at
		FROM geo.tilesets WHERE id = $1
	`
	t, err := scanTileset(s.pool.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFoundf("tileset %s not found", id)
		}
		return nil, eris.Wrap(err, "geostore: get tileset")
	}
	return t, nil
}

// ListTilesets implements Store.
func (s *PostgresStore) ListTilesets(ctx context.Context) ([]Tileset, error) {
	sql := `
		SELECT id, name, kind, format, min_zoom, max_zoom, bounds, center,
		       public, metadata, created_at, updated_at
		FROM geo.tilesets ORDER BY name, id
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: list tilesets")
	}
	defer rows.Close()

	var tilesets []Tileset
	for rows.Next() {
		t, err := scanTileset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "geostore: scan tileset row")
		}
		tilesets = append(tilesets, *t)
	}
	return tilesets, rows.Err()
}

// UpsertTileset implements Store.
func (s *PostgresStore) UpsertTileset(ctx context.Context, t *Tileset) error {
	if err := t.Validate(); err != nil {
		return err
	}
	bounds, center, err := marshalTilesetGeo(t)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO geo.tilesets (id, name, kind, format, min_zoom, max_zoom, bounds, center, public, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			format = EXCLUDED.format,
			min_zoom = EXCLUDED.min_zoom,
			max_zoom = EXCLUDED.max_zoom,
			bounds = EXCLUDED.bounds,
			center = EXCLUDED.center,
			public = EXCLUDED.public,
			metadata = EXCLUDED.metadata,
			updated_at = now()
	`
	_, err = s.pool.Exec(ctx, sql,
		t.ID, t.Name, t.Kind, t.Format, t.MinZoom, t.MaxZoom,
		bounds, center, t.Public, normalizeJSON(t.Metadata),
	)
	return eris.Wrap(err, "geostore: upsert tileset")
}

// GetDatasource implements Store.
func (s *PostgresStore) GetDatasource(ctx context.Context, id string) (*Datasource, error) {
	d, err := scanDatasource(s.pool.QueryRow(ctx, datasourceSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFoundf("datasource %s not found", id)
		}
		return nil, eris.Wrap(err, "geostore: get datasource")
	}
	return d, nil
}

// GetDatasourceByTileset implements Store.
func (s *PostgresStore) GetDatasourceByTileset(ctx context.Context, tilesetID string) (*Datasource, error) {
	d, err := scanDatasource(s.pool.QueryRow(ctx, datasourceSelect+` WHERE tileset_id = $1`, tilesetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFoundf("no datasource for tileset %s", tilesetID)
		}
		return nil, eris.Wrap(err, "geostore: get datasource by tileset")
	}
	return d, nil
}

// ListDatasources implements Store.
func (s *PostgresStore) ListDatasources(ctx context.Context) ([]Datasource, error) {
	rows, err := s.pool.Query(ctx, datasourceSelect+` ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: list datasources")
	}
	defer rows.Close()

	var sources []Datasource
	for rows.Next() {
		d, err := scanDatasource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "geostore: scan datasource row")
		}
		sources = append(sources, *d)
	}
	return sources, rows.Err()
}

// UpsertDatasource implements Store.
func (s *PostgresStore) UpsertDatasource(ctx context.Context, d *Datasource) error {
	if err := d.Validate(); err != nil {
		return err
	}
	bands, err := json.Marshal(d.BandMapping)
	if err != nil {
		return eris.Wrap(err, "geostore: marshal band mapping")
	}
	sql := `
		INSERT INTO geo.datasources (id, tileset_id, kind, url, provider, categorical, band_mapping)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			tileset_id = EXCLUDED.tileset_id,
			kind = EXCLUDED.kind,
			url = EXCLUDED.url,
			provider = EXCLUDED.provider,
			categorical = EXCLUDED.categorical,
			band_mapping = EXCLUDED.band_mapping,
			updated_at = now()
	`
	_, err = s.pool.Exec(ctx, sql,
		d.ID, d.TilesetID, d.Kind, d.URL, d.Provider, d.Categorical, bands,
	)
	return eris.Wrap(err, "geostore: upsert datasource")
}

// SetDatasourceProbe implements Store.
func (s *PostgresStore) SetDatasourceProbe(ctx context.Context, id string, probed json.RawMessage, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE geo.datasources SET probed = $2, probed_at = $3, updated_at = now()
		WHERE id = $1
	`, id, normalizeJSON(probed), at)
	if err != nil {
		return eris.Wrap(err, "geostore: set datasource probe")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("datasource %s not found", id)
	}
	return nil
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context) (*StoreStats, error) {
	sql := `
		SELECT
			(SELECT COUNT(*) FROM geo.tilesets),
			(SELECT COUNT(*) FROM geo.features),
			(SELECT COUNT(*) FROM geo.datasources)
	`
	var st StoreStats
	if err := s.pool.QueryRow(ctx, sql).Scan(&st.Tilesets, &st.Features, &st.Datasources); err != nil {
		return nil, eris.Wrap(err, "geostore: query stats")
	}
	return &st, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "geostore: ping")
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const datasourceSelect = `
	SELECT id, tileset_id, kind, url, provider, categorical, band_mapping,
	       probed, probed_at, created_at, updated_at
	FROM geo.datasources`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTileset(row rowScanner) (*Tileset, error) {
	var (
		t              Tileset
		bounds, center []byte
	)
	if err := row.Scan(
		&t.ID, &t.Name, &t.Kind, &t.Format, &t.MinZoom, &t.MaxZoom,
		&bounds, &center, &t.Public, &t.Metadata, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(bounds) > 0 && string(bounds) != "null" {
		t.Bounds = &BBox{}
		if err := json.Unmarshal(bounds, t.Bounds); err != nil {
			return nil, eris.Wrap(err, "geostore: decode tileset bounds")
		}
	}
	if len(center) > 0 && string(center) != "null" {
		t.Center = &Point{}
		if err := json.Unmarshal(center, t.Center); err != nil {
			return nil, eris.Wrap(err, "geostore: decode tileset center")
		}
	}
	return &t, nil
}

func scanDatasource(row rowScanner) (*Datasource, error) {
	var (
		d     Datasource
		bands []byte
	)
	if err := row.Scan(
		&d.ID, &d.TilesetID, &d.Kind, &d.URL, &d.Provider, &d.Categorical,
		&bands, &d.Probed, &d.ProbedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(bands) > 0 && string(bands) != "null" {
		if err := json.Unmarshal(bands, &d.BandMapping); err != nil {
			return nil, eris.Wrap(err, "geostore: decode band mapping")
		}
	}
	return &d, nil
}

func marshalTilesetGeo(t *Tileset) (bounds, center []byte, err error) {
	if t.Bounds != nil {
		if bounds, err = json.Marshal(t.Bounds); err != nil {
			return nil, nil, eris.Wrap(err, "geostore: marshal tileset bounds")
		}
	}
	if t.Center != nil {
		if center, err = json.Marshal(t.Center); err != nil {
			return nil, nil, eris.Wrap(err, "geostore: marshal tileset center")
		}
	}
	return bounds, center, nil
}

// normalizeJSON returns "{}" when raw is empty so jsonb columns never hold
// SQL NULL.
func normalizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
