package geostore

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

func TestMarshalEWKB_AllGeometryTypes(t *testing.T) {
	geoms := []orb.Geometry{
		orb.Point{139.7671, 35.6812},
		orb.MultiPoint{{139.70, 35.65}, {139.77, 35.68}},
		orb.LineString{{139.70, 35.65}, {139.77, 35.68}},
		orb.MultiLineString{{{0, 0}, {1, 1}}, {{2, 2}, {3, 3}}},
		orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
		orb.MultiPolygon{
			{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
			{{{5, 5}, {6, 5}, {6, 6}, {5, 5}}},
		},
	}
	for _, g := range geoms {
		data, err := marshalEWKB(g)
		require.NoError(t, err, g.GeoJSONType())
		decoded, err := ewkb.Unmarshal(data)
		require.NoError(t, err, g.GeoJSONType())
		assert.Equal(t, 4326, decoded.SRID(), g.GeoJSONType())
	}
}
