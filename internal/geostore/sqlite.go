package geostore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// SQLiteStore implements Store on modernc.org/sqlite for single-node
// deployments. Geometries are stored as GeoJSON text alongside denormalized
// bbox columns; the bbox prefilter is an indexed range scan instead of a
// spatial index, which is adequate at this backend's scale.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "geostore: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tilesets (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	format     TEXT NOT NULL DEFAULT '',
	min_zoom   INTEGER NOT NULL DEFAULT 0,
	max_zoom   INTEGER NOT NULL DEFAULT 22,
	bounds     TEXT,
	center     TEXT,
	public     INTEGER NOT NULL DEFAULT 0,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS features (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tileset_id TEXT NOT NULL REFERENCES tilesets(id) ON DELETE CASCADE,
	layer      TEXT NOT NULL DEFAULT 'default',
	geom       TEXT NOT NULL,
	minx       REAL NOT NULL,
	miny       REAL NOT NULL,
	maxx       REAL NOT NULL,
	maxy       REAL NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS datasources (
	id           TEXT PRIMARY KEY,
	tileset_id   TEXT NOT NULL UNIQUE REFERENCES tilesets(id) ON DELETE CASCADE,
	kind         TEXT NOT NULL,
	url          TEXT NOT NULL,
	provider     TEXT NOT NULL DEFAULT '',
	categorical  INTEGER NOT NULL DEFAULT 0,
	band_mapping TEXT,
	probed       TEXT,
	probed_at    DATETIME,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_features_tileset ON features(tileset_id, layer);
CREATE INDEX IF NOT EXISTS idx_features_bbox ON features(tileset_id, minx, maxx, miny, maxy);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "geostore: migrate sqlite")
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, params QueryParams) ([]Feature, error) {
	if err := params.Normalize(MaxQueryLimit); err != nil {
		return nil, err
	}
	var (
		conds = []string{"tileset_id = ?"}
		args  = []any{params.TilesetID}
	)
	if params.BBox != nil {
		b := params.BBox
		conds = append(conds, "maxx >= ? AND minx <= ? AND maxy >= ? AND miny <= ?")
		args = append(args, b.MinLng, b.MaxLng, b.MinLat, b.MaxLat)
	}
	if params.Layer != "" {
		conds = append(conds, "layer = ?")
		args = append(args, params.Layer)
	}
	if params.PropKey != "" {
		conds = append(conds, "json_extract(properties, '$.' || ?) = ?")
		args = append(args, params.PropKey, params.PropValue)
	}
	query := fmt.Sprintf(`
		SELECT id, layer, geom, properties, created_at
		FROM features
		WHERE %s
		ORDER BY id
		LIMIT ? OFFSET ?
	`, strings.Join(conds, " AND "))
	args = append(args, params.Limit, params.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: query features")
	}
	defer rows.Close()

	var feats []Feature
	for rows.Next() {
		var (
			f              Feature
			geomJSON, prop string
		)
		if err := rows.Scan(&f.ID, &f.Layer, &geomJSON, &prop, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "geostore: scan feature row")
		}
		f.TilesetID = params.TilesetID
		g, err := geojson.UnmarshalGeometry([]byte(geomJSON))
		if err != nil {
			return nil, eris.Wrap(err, "geostore: decode feature geometry")
		}
		f.Geometry = g.Geometry()
		if prop != "" {
			if err := json.Unmarshal([]byte(prop), &f.Properties); err != nil {
				return nil, eris.Wrap(err, "geostore: decode feature properties")
			}
		}
		feats = append(feats, f)
	}
	return feats, rows.Err()
}

// LayerFields implements Store.
func (s *SQLiteStore) LayerFields(ctx context.Context, tilesetID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT f.layer, j.key
		FROM features f, json_each(f.properties) j
		WHERE f.tileset_id = ?
		ORDER BY f.layer, j.key
	`, tilesetID)
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

// InsertFeatures implements Store.
func (s *SQLiteStore) InsertFeatures(ctx context.Context, tilesetID string, feats []Feature) (int64, error) {
	if len(feats) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "geostore: begin insert features")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO features (tileset_id, layer, geom, minx, miny, maxx, maxy, properties, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, eris.Wrap(err, "geostore: prepare insert features")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var inserted int64
	for _, f := range feats {
		layer := f.Layer
		if layer == "" {
			layer = DefaultLayer
		}
		geomJSON, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
		if err != nil {
			return inserted, eris.Wrap(err, "geostore: marshal feature geometry")
		}
		props, err := json.Marshal(f.Properties)
		if err != nil {
			return inserted, eris.Wrap(err, "geostore: marshal feature properties")
		}
		bound := f.Geometry.Bound()
		if _, err := stmt.ExecContext(ctx,
			tilesetID, layer, string(geomJSON),
			bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1],
			string(props), now,
		); err != nil {
			return inserted, eris.Wrap(err, "geostore: insert feature")
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "geostore: commit insert features")
	}
	return inserted, nil
}

// DeleteFeatures implements Store.
func (s *SQLiteStore) DeleteFeatures(ctx context.Context, tilesetID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM features WHERE tileset_id = ?`, tilesetID)
	if err != nil {
		return 0, eris.Wrap(err, "geostore: delete features")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetTileset implements Store.
func (s *SQLiteStore) GetTileset(ctx context.Context, id string) (*Tileset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, format, min_zoom, max_zoom, bounds, center,
		       public, metadata, created_at, updated_at
		FROM tilesets WHERE id = ?
	`, id)
	t, err := scanSQLiteTileset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("tileset %s not found", id)
		}
		return nil, eris.Wrap(err, "geostore: get tileset")
	}
	return t, nil
}

// ListTilesets implements Store.
func (s *SQLiteStore) ListTilesets(ctx context.Context) ([]Tileset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, format, min_zoom, max_zoom, bounds, center,
		       public, metadata, created_at, updated_at
		FROM tilesets ORDER BY name, id
	`)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: list tilesets")
	}
	defer rows.Close()

	var tilesets []Tileset
	for rows.Next() {
		t, err := scanSQLiteTileset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "geostore: scan tileset row")
		}
		tilesets = append(tilesets, *t)
	}
	return tilesets, rows.Err()
}

// UpsertTileset implements Store.
func (s *SQLiteStore) UpsertTileset(ctx context.Context, t *Tileset) error {
	if err := t.Validate(); err != nil {
		return err
	}
	bounds, center, err := marshalTilesetGeo(t)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tilesets (id, name, kind, format, min_zoom, max_zoom, bounds, center, public, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			format = excluded.format,
			min_zoom = excluded.min_zoom,
			max_zoom = excluded.max_zoom,
			bounds = excluded.bounds,
			center = excluded.center,
			public = excluded.public,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, t.ID, t.Name, t.Kind, t.Format, t.MinZoom, t.MaxZoom,
		nullableText(bounds), nullableText(center), t.Public,
		string(normalizeJSON(t.Metadata)), now, now)
	return eris.Wrap(err, "geostore: upsert tileset")
}

// GetDatasource implements Store.
func (s *SQLiteStore) GetDatasource(ctx context.Context, id string) (*Datasource, error) {
	row := s.db.QueryRowContext(ctx, sqliteDatasourceSelect+` WHERE id = ?`, id)
	d, err := scanSQLiteDatasource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("datasource %s not found", id)
		}
		return nil, eris.Wrap(err, "geostore: get datasource")
	}
	return d, nil
}

// GetDatasourceByTileset implements Store.
func (s *SQLiteStore) GetDatasourceByTileset(ctx context.Context, tilesetID string) (*Datasource, error) {
	row := s.db.QueryRowContext(ctx, sqliteDatasourceSelect+` WHERE tileset_id = ?`, tilesetID)
	d, err := scanSQLiteDatasource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFoundf("no datasource for tileset %s", tilesetID)
		}
		return nil, eris.Wrap(err, "geostore: get datasource by tileset")
	}
	return d, nil
}

// ListDatasources implements Store.
func (s *SQLiteStore) ListDatasources(ctx context.Context) ([]Datasource, error) {
	rows, err := s.db.QueryContext(ctx, sqliteDatasourceSelect+` ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: list datasources")
	}
	defer rows.Close()

	var sources []Datasource
	for rows.Next() {
		d, err := scanSQLiteDatasource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "geostore: scan datasource row")
		}
		sources = append(sources, *d)
	}
	return sources, rows.Err()
}

// UpsertDatasource implements Store.
func (s *SQLiteStore) UpsertDatasource(ctx context.Context, d *Datasource) error {
	if err := d.Validate(); err != nil {
		return err
	}
	bands, err := json.Marshal(d.BandMapping)
	if err != nil {
		return eris.Wrap(err, "geostore: marshal band mapping")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasources (id, tileset_id, kind, url, provider, categorical, band_mapping, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tileset_id = excluded.tileset_id,
			kind = excluded.kind,
			url = excluded.url,
			provider = excluded.provider,
			categorical = excluded.categorical,
			band_mapping = excluded.band_mapping,
			updated_at = excluded.updated_at
	`, d.ID, d.TilesetID, d.Kind, d.URL, d.Provider, d.Categorical,
		string(bands), now, now)
	return eris.Wrap(err, "geostore: upsert datasource")
}

// SetDatasourceProbe implements Store.
func (s *SQLiteStore) SetDatasourceProbe(ctx context.Context, id string, probed json.RawMessage, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasources SET probed = ?, probed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(normalizeJSON(probed)), at, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrap(err, "geostore: set datasource probe")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("datasource %s not found", id)
	}
	return nil
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	var st StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tilesets),
			(SELECT COUNT(*) FROM features),
			(SELECT COUNT(*) FROM datasources)
	`).Scan(&st.Tilesets, &st.Features, &st.Datasources)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: query stats")
	}
	return &st, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "geostore: ping")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteDatasourceSelect = `
	SELECT id, tileset_id, kind, url, provider, categorical, band_mapping,
	       probed, probed_at, created_at, updated_at
	FROM datasources`

func scanSQLiteTileset(row rowScanner) (*Tileset, error) {
	var (
		t              Tileset
		bounds, center sql.NullString
		metadata       string
	)
	if err := row.Scan(
		&t.ID, &t.Name, &t.Kind, &t.Format, &t.MinZoom, &t.MaxZoom,
		&bounds, &center, &t.Public, &metadata, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if bounds.Valid && bounds.String != "" && bounds.String != "null" {
		t.Bounds = &BBox{}
		if err := json.Unmarshal([]byte(bounds.String), t.Bounds); err != nil {
			return nil, eris.Wrap(err, "geostore: decode tileset bounds")
		}
	}
	if center.Valid && center.String != "" && center.String != "null" {
		t.Center = &Point{}
		if err := json.Unmarshal([]byte(center.String), t.Center); err != nil {
			return nil, eris.Wrap(err, "geostore: decode tileset center")
		}
	}
	if metadata != "" {
		t.Metadata = json.RawMessage(metadata)
	}
	return &t, nil
}

func scanSQLiteDatasource(row rowScanner) (*Datasource, error) {
	var (
		d             Datasource
		bands, probed sql.NullString
		probedAt      sql.NullTime
	)
	if err := row.Scan(
		&d.ID, &d.TilesetID, &d.Kind, &d.URL, &d.Provider, &d.Categorical,
		&bands, &probed, &probedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if bands.Valid && bands.String != "" && bands.String != "null" {
		if err := json.Unmarshal([]byte(bands.String), &d.BandMapping); err != nil {
			return nil, eris.Wrap(err, "geostore: decode band mapping")
		}
	}
	if probed.Valid && probed.String != "" {
		d.Probed = json.RawMessage(probed.String)
	}
	if probedAt.Valid {
		at := probedAt.Time
		d.ProbedAt = &at
	}
	return &d, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
