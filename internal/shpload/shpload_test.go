package shpload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopinfish/geo-base-sub001/internal/geostore"
	"github.com/mopinfish/geo-base-sub001/internal/resilience"
)

func TestConvert_Point(t *testing.T) {
	g, ok := convert(&shp.Point{X: 139.7671, Y: 35.6812})
	require.True(t, ok)
	assert.Equal(t, orb.Point{139.7671, 35.6812}, g)
}

func TestConvert_PointZFlattens(t *testing.T) {
	g, ok := convert(&shp.PointZ{X: 139.7, Y: 35.6, Z: 42})
	require.True(t, ok)
	assert.Equal(t, orb.Point{139.7, 35.6}, g)
}

func TestConvert_PolyLine(t *testing.T) {
	g, ok := convert(&shp.PolyLine{
		NumParts: 1,
		Parts:    []int32{0},
		Points: []shp.Point{
			{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 0},
		},
	})
	require.True(t, ok)
	assert.Equal(t, orb.LineString{{0, 0}, {1, 1}, {2, 0}}, g)
}

func TestConvert_MultiPartPolyLine(t *testing.T) {
	g, ok := convert(&shp.PolyLine{
		NumParts: 2,
		Parts:    []int32{0, 2},
		Points: []shp.Point{
			{X: 0, Y: 0}, {X: 1, Y: 1},
			{X: 5, Y: 5}, {X: 6, Y: 6},
		},
	})
	require.True(t, ok)
	mls, isMulti := g.(orb.MultiLineString)
	require.True(t, isMulti)
	require.Len(t, mls, 2)
	assert.Equal(t, orb.LineString{{5, 5}, {6, 6}}, mls[1])
}

func TestConvert_PolygonWithHole(t *testing.T) {
	// Shapefile winding: outer clockwise, hole counterclockwise.
	g, ok := convert(&shp.Polygon{
		NumParts: 2,
		Parts:    []int32{0, 5},
		Points: []shp.Point{
			{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0},
			{X: 2, Y: 2}, {X: 8, Y: 2}, {X: 8, Y: 8}, {X: 2, Y: 8}, {X: 2, Y: 2},
		},
	})
	require.True(t, ok)
	poly, isPoly := g.(orb.Polygon)
	require.True(t, isPoly)
	require.Len(t, poly, 2)
	assert.Len(t, poly[0], 5)
	assert.Len(t, poly[1], 5)
}

func TestConvert_TwoOuterRingsMakeMultiPolygon(t *testing.T) {
	g, ok := convert(&shp.Polygon{
		NumParts: 2,
		Parts:    []int32{0, 4},
		Points: []shp.Point{
			// Both rings clockwise: two separate outer rings.
			{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}, {X: 0, Y: 0},
			{X: 5, Y: 5}, {X: 5, Y: 6}, {X: 6, Y: 6}, {X: 5, Y: 5},
		},
	})
	require.True(t, ok)
	mp, isMulti := g.(orb.MultiPolygon)
	require.True(t, isMulti)
	require.Len(t, mp, 2)
}

func TestConvert_NullShapeSkipped(t *testing.T) {
	_, ok := convert(&shp.Null{})
	assert.False(t, ok)
}

type fakeWriter struct {
	batches  [][]geostore.Feature
	failures int
	err      error
}

func (w *fakeWriter) InsertFeatures(_ context.Context, _ string, feats []geostore.Feature) (int64, error) {
	if w.failures > 0 {
		w.failures--
		return 0, w.err
	}
	w.batches = append(w.batches, feats)
	return int64(len(feats)), nil
}

func makeFeatures(n int) []geostore.Feature {
	feats := make([]geostore.Feature, n)
	for i := range feats {
		feats[i] = geostore.Feature{Geometry: orb.Point{float64(i), 0}}
	}
	return feats
}

func TestInsert_Batches(t *testing.T) {
	w := &fakeWriter{}
	l := New(w)

	n, err := l.Insert(context.Background(), "ts", makeFeatures(5), Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	require.Len(t, w.batches, 3)
	assert.Len(t, w.batches[0], 2)
	assert.Len(t, w.batches[2], 1)
}

func TestInsert_RetriesTransientFailure(t *testing.T) {
	w := &fakeWriter{
		failures: 1,
		err:      resilience.NewTransientError(errors.New("conn closed"), 0),
	}
	l := New(w)

	n, err := l.Insert(context.Background(), "ts", makeFeatures(3), Options{
		BatchSize: 10,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.Len(t, w.batches, 1)
}

func TestInsert_PermanentFailureDoesNotRetry(t *testing.T) {
	w := &fakeWriter{
		failures: 10,
		err:      errors.New("constraint violation"),
	}
	l := New(w)

	_, err := l.Insert(context.Background(), "ts", makeFeatures(1), Options{
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
		},
	})
	require.Error(t, err)
	assert.Equal(t, 9, w.failures) // only one attempt consumed
}

func TestRead_MissingFile(t *testing.T) {
	_, _, err := Read("/nonexistent/fixture.shp", "")
	assert.Error(t, err)
}
