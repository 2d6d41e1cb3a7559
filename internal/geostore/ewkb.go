package geostore

import (
	"encoding/binary"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// marshalEWKB encodes an orb geometry as SRID-4326 EWKB for the PostGIS
// write path. PostGIS ingests it via ST_GeomFromEWKB, which keeps bulk
// feature loads off the text WKT parser.
func marshalEWKB(g orb.Geometry) ([]byte, error) {
	gt, err := toGeom(g)
	if err != nil {
		return nil, err
	}
	data, err := ewkb.Marshal(gt, binary.LittleEndian)
	if err != nil {
		return nil, eris.Wrap(err, "geostore: marshal ewkb")
	}
	return data, nil
}

func toGeom(g orb.Geometry) (geom.T, error) {
	switch v := g.(type) {
	case orb.Point:
		return geom.NewPointFlat(geom.XY, []float64{v[0], v[1]}).SetSRID(4326), nil
	case orb.MultiPoint:
		p := geom.NewMultiPoint(geom.XY)
		if _, err := p.SetCoords(pointCoords(v)); err != nil {
			return nil, eris.Wrap(err, "geostore: multipoint coords")
		}
		return p.SetSRID(4326), nil
	case orb.LineString:
		l := geom.NewLineString(geom.XY)
		if _, err := l.SetCoords(lineCoords(v)); err != nil {
			return nil, eris.Wrap(err, "geostore: linestring coords")
		}
		return l.SetSRID(4326), nil
	case orb.MultiLineString:
		m := geom.NewMultiLineString(geom.XY)
		coords := make([][]geom.Coord, len(v))
		for i, ls := range v {
			coords[i] = lineCoords(ls)
		}
		if _, err := m.SetCoords(coords); err != nil {
			return nil, eris.Wrap(err, "geostore: multilinestring coords")
		}
		return m.SetSRID(4326), nil
	case orb.Polygon:
		p := geom.NewPolygon(geom.XY)
		if _, err := p.SetCoords(ringCoords(v)); err != nil {
			return nil, eris.Wrap(err, "geostore: polygon coords")
		}
		return p.SetSRID(4326), nil
	case orb.MultiPolygon:
		m := geom.NewMultiPolygon(geom.XY)
		coords := make([][][]geom.Coord, len(v))
		for i, poly := range v {
			coords[i] = ringCoords(poly)
		}
		if _, err := m.SetCoords(coords); err != nil {
			return nil, eris.Wrap(err, "geostore: multipolygon coords")
		}
		return m.SetSRID(4326), nil
	default:
		return nil, eris.Errorf("geostore: unsupported geometry type %s", g.GeoJSONType())
	}
}

func pointCoords(pts orb.MultiPoint) []geom.Coord {
	coords := make([]geom.Coord, len(pts))
	for i, p := range pts {
		coords[i] = geom.Coord{p[0], p[1]}
	}
	return coords
}

func lineCoords(ls orb.LineString) []geom.Coord {
	coords := make([]geom.Coord, len(ls))
	for i, p := range ls {
		coords[i] = geom.Coord{p[0], p[1]}
	}
	return coords
}

func ringCoords(poly orb.Polygon) [][]geom.Coord {
	coords := make([][]geom.Coord, len(poly))
	for i, ring := range poly {
		coords[i] = lineCoords(orb.LineString(ring))
	}
	return coords
}
