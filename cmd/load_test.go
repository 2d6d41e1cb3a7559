package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadGeoJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pois.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature",
			 "geometry": {"type": "Point", "coordinates": [139.7671, 35.6812]},
			 "properties": {"name": "station", "layer": "poi"}},
			{"type": "Feature", "geometry": null, "properties": {}}
		]
	}`), 0o644))

	feats, err := readGeoJSON(path, "")
	require.NoError(t, err)
	require.Len(t, feats, 1) // null geometry skipped

	assert.Equal(t, "poi", feats[0].Layer)
	assert.Equal(t, "station", feats[0].Properties["name"])
	pt, ok := feats[0].Geometry.(orb.Point)
	require.True(t, ok)
	assert.InDelta(t, 139.7671, pt[0], 1e-9)
}

func TestReadGeoJSON_LayerFlagWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pois.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature",
			 "geometry": {"type": "Point", "coordinates": [0, 0]},
			 "properties": {"layer": "ignored"}}
		]
	}`), 0o644))

	feats, err := readGeoJSON(path, "roads")
	require.NoError(t, err)
	require.Len(t, feats, 1)
	assert.Equal(t, "roads", feats[0].Layer)
}

func TestReadGeoJSON_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.geojson")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err := readGeoJSON(path, "")
	assert.Error(t, err)
}
