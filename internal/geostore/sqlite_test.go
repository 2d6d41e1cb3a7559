package geostore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "geo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedTileset(t *testing.T, st *SQLiteStore) *Tileset {
	t.Helper()
	ts := &Tileset{
		ID:      uuid.New().String(),
		Name:    "pois",
		Kind:    KindVector,
		Format:  "mvt",
		MinZoom: 0,
		MaxZoom: 14,
		Bounds:  &BBox{MinLng: 139.0, MinLat: 35.0, MaxLng: 141.0, MaxLat: 37.0},
		Public:  true,
	}
	require.NoError(t, st.UpsertTileset(context.Background(), ts))
	return ts
}

func TestSQLiteTilesetRoundTrip(t *testing.T) {
	st := newTestSQLite(t)
	ts := seedTileset(t, st)

	got, err := st.GetTileset(context.Background(), ts.ID)
	require.NoError(t, err)
	assert.Equal(t, ts.Name, got.Name)
	assert.Equal(t, KindVector, got.Kind)
	assert.True(t, got.Public)
	require.NotNil(t, got.Bounds)
	assert.InDelta(t, 139.0, got.Bounds.MinLng, 1e-9)

	// Upsert updates in place.
	ts.Name = "pois-v2"
	require.NoError(t, st.UpsertTileset(context.Background(), ts))
	got, err = st.GetTileset(context.Background(), ts.ID)
	require.NoError(t, err)
	assert.Equal(t, "pois-v2", got.Name)

	list, err := st.ListTilesets(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteGetTileset_NotFound(t *testing.T) {
	st := newTestSQLite(t)

	_, err := st.GetTileset(context.Background(), uuid.New().String())
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSQLiteFeatureQuery(t *testing.T) {
	st := newTestSQLite(t)
	ts := seedTileset(t, st)
	ctx := context.Background()

	feats := []Feature{
		{Layer: "poi", Geometry: orb.Point{139.7671, 35.6812}, Properties: map[string]any{"class": "station", "name": "Tokyo"}},
		{Layer: "poi", Geometry: orb.Point{139.7016, 35.6580}, Properties: map[string]any{"class": "park"}},
		{Layer: "roads", Geometry: orb.LineString{{139.70, 35.65}, {139.77, 35.68}}, Properties: map[string]any{"class": "rail"}},
		{Geometry: orb.Point{135.0, 34.7}, Properties: map[string]any{"class": "station"}},
	}
	n, err := st.InsertFeatures(ctx, ts.ID, feats)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	// bbox filter excludes the Osaka point.
	bbox := &BBox{MinLng: 139.5, MinLat: 35.5, MaxLng: 140.0, MaxLat: 36.0}
	got, err := st.Query(ctx, QueryParams{TilesetID: ts.ID, BBox: bbox, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// results come back in insertion (id) order.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].ID, got[i-1].ID)
	}

	// layer filter
	got, err = st.Query(ctx, QueryParams{TilesetID: ts.ID, Layer: "roads", Limit: 100})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.IsType(t, orb.LineString{}, got[0].Geometry)

	// property filter
	got, err = st.Query(ctx, QueryParams{TilesetID: ts.ID, PropKey: "class", PropValue: "station", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// empty layer defaults at insert time
	got, err = st.Query(ctx, QueryParams{TilesetID: ts.ID, Layer: DefaultLayer, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// limit + offset page through deterministically
	page1, err := st.Query(ctx, QueryParams{TilesetID: ts.ID, Limit: 2})
	require.NoError(t, err)
	page2, err := st.Query(ctx, QueryParams{TilesetID: ts.ID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Len(t, page2, 2)
	assert.Less(t, page1[1].ID, page2[0].ID)
}

func TestSQLiteQuery_ValidatesParams(t *testing.T) {
	st := newTestSQLite(t)
	ts := seedTileset(t, st)
	ctx := context.Background()

	_, err := st.InsertFeatures(ctx, ts.ID, []Feature{
		{Geometry: orb.Point{139.7671, 35.6812}},
		{Geometry: orb.Point{139.7016, 35.6580}},
	})
	require.NoError(t, err)

	// An inverted bbox fails loudly instead of matching nothing.
	_, err = st.Query(ctx, QueryParams{
		TilesetID: ts.ID,
		BBox:      &BBox{MinLng: 140.0, MinLat: 35.5, MaxLng: 139.5, MaxLat: 36.0},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	// A zero limit gets the default, not a literal LIMIT 0.
	got, err := st.Query(ctx, QueryParams{TilesetID: ts.ID})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLiteLayerFields(t *testing.T) {
	st := newTestSQLite(t)
	ts := seedTileset(t, st)
	ctx := context.Background()

	_, err := st.InsertFeatures(ctx, ts.ID, []Feature{
		{Layer: "poi", Geometry: orb.Point{139.7, 35.6}, Properties: map[string]any{"name": "a", "class": "x"}},
		{Layer: "poi", Geometry: orb.Point{139.8, 35.7}, Properties: map[string]any{"rank": 1.0}},
		{Layer: "roads", Geometry: orb.Point{139.9, 35.8}, Properties: map[string]any{"class": "rail"}},
	})
	require.NoError(t, err)

	fields, err := st.LayerFields(ctx, ts.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"class", "name", "rank"}, fields["poi"])
	assert.Equal(t, []string{"class"}, fields["roads"])
}

func TestSQLiteDeleteFeatures(t *testing.T) {
	st := newTestSQLite(t)
	ts := seedTileset(t, st)
	ctx := context.Background()

	_, err := st.InsertFeatures(ctx, ts.ID, []Feature{
		{Geometry: orb.Point{139.7, 35.6}},
		{Geometry: orb.Point{139.8, 35.7}},
	})
	require.NoError(t, err)

	n, err := st.DeleteFeatures(ctx, ts.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := st.Query(ctx, QueryParams{TilesetID: ts.ID, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteDatasourceRoundTrip(t *testing.T) {
	st := newTestSQLite(t)
	ts := seedTileset(t, st)
	ctx := context.Background()

	ds := &Datasource{
		ID:          uuid.New().String(),
		TilesetID:   ts.ID,
		Kind:        KindRaster,
		URL:         "https://data.example.com/elevation.tif",
		Provider:    "http",
		Categorical: false,
		BandMapping: []int{1, 2, 3},
	}
	require.NoError(t, st.UpsertDatasource(ctx, ds))

	got, err := st.GetDatasource(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds.URL, got.URL)
	assert.Equal(t, []int{1, 2, 3}, got.BandMapping)
	assert.Nil(t, got.ProbedAt)

	byTS, err := st.GetDatasourceByTileset(ctx, ts.ID)
	require.NoError(t, err)
	assert.Equal(t, ds.ID, byTS.ID)

	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	probe := json.RawMessage(`{"ok":true,"status":"reachable"}`)
	require.NoError(t, st.SetDatasourceProbe(ctx, ds.ID, probe, at))

	got, err = st.GetDatasource(ctx, ds.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProbedAt)
	assert.True(t, got.ProbedAt.Equal(at))
	assert.JSONEq(t, string(probe), string(got.Probed))

	list, err := st.ListDatasources(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteSetDatasourceProbe_NotFound(t *testing.T) {
	st := newTestSQLite(t)

	err := st.SetDatasourceProbe(context.Background(), uuid.New().String(), nil, time.Now())
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSQLiteStats(t *testing.T) {
	st := newTestSQLite(t)
	ts := seedTileset(t, st)
	ctx := context.Background()

	_, err := st.InsertFeatures(ctx, ts.ID, []Feature{
		{Geometry: orb.Point{139.7, 35.6}},
		{Geometry: orb.Point{139.8, 35.7}},
	})
	require.NoError(t, err)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Tilesets)
	assert.Equal(t, int64(2), stats.Features)
	assert.Equal(t, int64(0), stats.Datasources)

	assert.NoError(t, st.Ping(ctx))
}

func TestSQLitePolygonRoundTrip(t *testing.T) {
	st := newTestSQLite(t)
	ts := seedTileset(t, st)
	ctx := context.Background()

	poly := orb.Polygon{{{139.5, 35.5}, {140.0, 35.5}, {140.0, 36.0}, {139.5, 36.0}, {139.5, 35.5}}}
	_, err := st.InsertFeatures(ctx, ts.ID, []Feature{{Layer: "zones", Geometry: poly}})
	require.NoError(t, err)

	got, err := st.Query(ctx, QueryParams{TilesetID: ts.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	gotPoly, ok := got[0].Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.Equal(t, poly, gotPoly)
}
