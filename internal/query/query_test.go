package query

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

type fakeSource struct {
	params   geostore.QueryParams
	features []geostore.Feature
	err      error
}

func (f *fakeSource) Query(_ context.Context, params geostore.QueryParams) ([]geostore.Feature, error) {
	f.params = params
	return f.features, f.err
}

func TestSearch_RejectsBadTilesetID(t *testing.T) {
	e := New(&fakeSource{}, 0)

	_, err := e.Search(context.Background(), Request{TilesetID: "not-a-uuid"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSearch_RejectsBadBBox(t *testing.T) {
	e := New(&fakeSource{}, 0)

	_, err := e.Search(context.Background(), Request{
		TilesetID: uuid.New().String(),
		BBox:      &geostore.BBox{MinLng: 10, MinLat: 0, MaxLng: 5, MaxLat: 1},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSearch_ClampsLimitAndEchoesQuery(t *testing.T) {
	src := &fakeSource{}
	e := New(src, 0)
	id := uuid.New().String()

	resp, err := e.Search(context.Background(), Request{
		TilesetID: id,
		Layer:     "roads",
		Limit:     50000,
		Offset:    -2,
	})
	require.NoError(t, err)

	assert.Equal(t, geostore.MaxQueryLimit, src.params.Limit)
	assert.Equal(t, 0, src.params.Offset)

	assert.Equal(t, "FeatureCollection", resp.Type)
	assert.Equal(t, id, resp.Query.TilesetID)
	assert.Equal(t, "roads", resp.Query.Layer)
	assert.Equal(t, geostore.MaxQueryLimit, resp.Query.Limit)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Features, "features must marshal as [], not null")
}

func TestSearch_ConfiguredMaxLimit(t *testing.T) {
	src := &fakeSource{}
	e := New(src, 250)

	_, err := e.Search(context.Background(), Request{
		TilesetID: uuid.New().String(),
		Limit:     50000,
	})
	require.NoError(t, err)
	assert.Equal(t, 250, src.params.Limit)
}

func TestSearch_ShapesFeatures(t *testing.T) {
	src := &fakeSource{features: []geostore.Feature{
		{
			ID:         7,
			Layer:      "pois",
			Geometry:   orb.Point{139.7671, 35.6812},
			Properties: map[string]any{"name": "tokyo"},
		},
	}}
	e := New(src, 0)

	resp, err := e.Search(context.Background(), Request{TilesetID: uuid.New().String()})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)

	f := resp.Features[0]
	assert.Equal(t, int64(7), f.ID)
	assert.Equal(t, "tokyo", f.Properties["name"])
	assert.Equal(t, "pois", f.Properties["layer"])

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"FeatureCollection"`)
	assert.Contains(t, string(raw), `"count":1`)
	assert.Contains(t, string(raw), `"Point"`)
}

func TestSearch_PropagatesStoreError(t *testing.T) {
	src := &fakeSource{err: apperr.NotFoundf("tileset missing")}
	e := New(src, 0)

	_, err := e.Search(context.Background(), Request{TilesetID: uuid.New().String()})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSearch_PropertyFilterRequiresPair(t *testing.T) {
	e := New(&fakeSource{}, 0)

	_, err := e.Search(context.Background(), Request{
		TilesetID: uuid.New().String(),
		PropKey:   "class",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
