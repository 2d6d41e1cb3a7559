// Package tileenc renders stored features into Mapbox vector tiles.
// Output is deterministic for identical backing data: layers are emitted
// in sorted name order, features in store order, property keys sorted.
package tileenc

import (
	"context"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/simplify"
	"github.com/tidwall/mvt"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

const (
	// DefaultExtent is the MVT integer grid resolution.
	DefaultExtent = 4096
	// TileBuffer is the fraction of tile width rendered past each edge so
	// strokes and labels survive tile boundaries.
	TileBuffer = 0.05
	// tileSpan is the edge length of the tile-local coordinate space the
	// mvt encoder consumes.
	tileSpan = 256.0
)

// Options tunes the encoder. Zero values take the package defaults.
type Options struct {
	Extent              int
	Buffer              float64
	SimplifyPixels      float64
	SimplifyMaxZoom     int
	MaxCoordsPerFeature int
}

func (o Options) withDefaults() Options {
	if o.Extent <= 0 {
		o.Extent = DefaultExtent
	}
	if o.Buffer <= 0 {
		o.Buffer = TileBuffer
	}
	if o.SimplifyPixels <= 0 {
		o.SimplifyPixels = 1.0
	}
	if o.SimplifyMaxZoom <= 0 {
		o.SimplifyMaxZoom = 14
	}
	if o.MaxCoordsPerFeature <= 0 {
		o.MaxCoordsPerFeature = 10000
	}
	return o
}

// FeatureSource is the slice of the store the encoder reads through.
type FeatureSource interface {
	Query(ctx context.Context, params geostore.QueryParams) ([]geostore.Feature, error)
}

// Encoder turns z/x/y requests into MVT payloads backed by a feature store.
type Encoder struct {
	source FeatureSource
	opts   Options
	log    *zap.Logger
}

// New builds an encoder over the given feature source.
func New(source FeatureSource, opts Options) *Encoder {
	return &Encoder{
		source: source,
		opts:   opts.withDefaults(),
		log:    zap.L().With(zap.String("component", "tileenc")),
	}
}

// EncodeTile fetches the features intersecting the buffered tile bound and
// renders them. A zoom outside the tileset's declared range yields the
// canonical empty tile, not an error; the caller decides the HTTP shape.
func (e *Encoder) EncodeTile(ctx context.Context, ts *geostore.Tileset, z uint8, x, y uint32, layer string) ([]byte, error) {
	if uint64(x) >= 1<<z || uint64(y) >= 1<<z {
		return nil, apperr.Validationf("tile %d/%d/%d out of bounds for zoom", z, x, y)
	}
	if int(z) < ts.MinZoom || int(z) > ts.MaxZoom {
		var empty mvt.Tile
		return empty.Render(), nil
	}

	bound := maptile.New(x, y, maptile.Zoom(z)).Bound(e.opts.Buffer)
	bbox := geostore.FromBound(bound).ClampWorld()
	features, err := e.source.Query(ctx, geostore.QueryParams{
		TilesetID: ts.ID,
		BBox:      &bbox,
		Layer:     layer,
		Limit:     geostore.MaxQueryLimit,
	})
	if err != nil {
		return nil, err
	}
	return e.Encode(z, x, y, features), nil
}

// Encode renders pre-fetched features into a tile. Exposed separately so
// callers that already hold features (tests, batch tiling) skip the store.
func (e *Encoder) Encode(z uint8, x, y uint32, features []geostore.Feature) []byte {
	proj := newTileProjection(z, x, y)
	buf := e.opts.Buffer * tileSpan
	clipBound := orb.Bound{
		Min: orb.Point{-buf, -buf},
		Max: orb.Point{tileSpan + buf, tileSpan + buf},
	}

	byLayer := make(map[string][]geostore.Feature)
	for _, f := range features {
		name := f.Layer
		if name == "" {
			name = geostore.DefaultLayer
		}
		byLayer[name] = append(byLayer[name], f)
	}
	names := make([]string, 0, len(byLayer))
	for name := range byLayer {
		names = append(names, name)
	}
	sort.Strings(names)

	var tile mvt.Tile
	for _, name := range names {
		l := tile.AddLayer(name)
		l.SetExtent(uint32(e.opts.Extent))
		for _, f := range byLayer[name] {
			e.addFeature(l, proj, clipBound, int(z), f)
		}
	}
	return tile.Render()
}

func (e *Encoder) addFeature(l *mvt.Layer, proj tileProjection, clipBound orb.Bound, z int, f geostore.Feature) {
	if f.Geometry == nil {
		return
	}
	g := proj.geometry(f.Geometry)
	g = clip.Geometry(clipBound, g)
	if g == nil {
		return
	}
	if z < e.opts.SimplifyMaxZoom || coordCount(g) > e.opts.MaxCoordsPerFeature {
		g = simplify.DouglasPeucker(e.opts.SimplifyPixels).Simplify(g)
		if g == nil {
			return
		}
	}

	var mf *mvt.Feature
	switch gt := g.(type) {
	case orb.Point:
		mf = l.AddFeature(mvt.Point)
		mf.MoveTo(gt[0], gt[1])
	case orb.MultiPoint:
		if len(gt) == 0 {
			return
		}
		mf = l.AddFeature(mvt.Point)
		for _, p := range gt {
			mf.MoveTo(p[0], p[1])
		}
	case orb.LineString:
		if len(gt) < 2 {
			return
		}
		mf = l.AddFeature(mvt.LineString)
		drawLine(mf, gt)
	case orb.MultiLineString:
		mf = l.AddFeature(mvt.LineString)
		var drawn bool
		for _, ls := range gt {
			if len(ls) < 2 {
				continue
			}
			drawLine(mf, ls)
			drawn = true
		}
		if !drawn {
			return
		}
	case orb.Polygon:
		if !polygonDrawable(gt) {
			return
		}
		mf = l.AddFeature(mvt.Polygon)
		drawPolygon(mf, gt)
	case orb.MultiPolygon:
		var drawable bool
		for _, poly := range gt {
			if polygonDrawable(poly) {
				drawable = true
				break
			}
		}
		if !drawable {
			return
		}
		mf = l.AddFeature(mvt.Polygon)
		for _, poly := range gt {
			if polygonDrawable(poly) {
				drawPolygon(mf, poly)
			}
		}
	default:
		e.log.Debug("skipping unsupported geometry", zap.String("type", string(g.GeoJSONType())))
		return
	}

	keys := make([]string, 0, len(f.Properties))
	for k := range f.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mf.AddTag(k, f.Properties[k])
	}
}

func drawLine(f *mvt.Feature, ls orb.LineString) {
	f.MoveTo(ls[0][0], ls[0][1])
	for _, p := range ls[1:] {
		f.LineTo(p[0], p[1])
	}
}

// drawRing emits one ring with the required winding: exteriors clockwise in
// screen space, holes counter-clockwise. Rings arriving with the wrong
// orientation are walked backwards from the same start vertex, so a ring and
// its reversal encode identically.
func drawRing(f *mvt.Feature, ring orb.Ring, hole bool) {
	pts := ring
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 3 {
		return
	}
	cw := signedArea(pts) > 0
	f.MoveTo(pts[0][0], pts[0][1])
	if cw == hole {
		for i := len(pts) - 1; i >= 1; i-- {
			f.LineTo(pts[i][0], pts[i][1])
		}
	} else {
		for _, p := range pts[1:] {
			f.LineTo(p[0], p[1])
		}
	}
	f.ClosePath()
}

func drawPolygon(f *mvt.Feature, poly orb.Polygon) {
	drawRing(f, poly[0], false)
	for _, hole := range poly[1:] {
		drawRing(f, hole, true)
	}
}

func polygonDrawable(poly orb.Polygon) bool {
	if len(poly) == 0 {
		return false
	}
	exterior := poly[0]
	if len(exterior) > 1 && exterior[0] == exterior[len(exterior)-1] {
		return len(exterior) >= 4
	}
	return len(exterior) >= 3
}

// signedArea is the shoelace sum over screen-space (y-down) coordinates;
// positive means clockwise on screen.
func signedArea(pts []orb.Point) float64 {
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i][0]*pts[j][1] - pts[j][0]*pts[i][1]
	}
	return sum / 2
}

func coordCount(g orb.Geometry) int {
	switch gt := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(gt)
	case orb.LineString:
		return len(gt)
	case orb.MultiLineString:
		n := 0
		for _, ls := range gt {
			n += len(ls)
		}
		return n
	case orb.Ring:
		return len(gt)
	case orb.Polygon:
		n := 0
		for _, r := range gt {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range gt {
			n += coordCount(p)
		}
		return n
	default:
		return 0
	}
}

// tileProjection maps WGS84 coordinates into the 0..256 local space of one
// web mercator tile.
type tileProjection struct {
	worldSize float64
	offsetX   float64
	offsetY   float64
}

func newTileProjection(z uint8, x, y uint32) tileProjection {
	return tileProjection{
		worldSize: tileSpan * float64(uint64(1)<<z),
		offsetX:   float64(x) * tileSpan,
		offsetY:   float64(y) * tileSpan,
	}
}

func (t tileProjection) point(p orb.Point) orb.Point {
	sin := math.Sin(p[1] * math.Pi / 180)
	// Clamp to keep poles finite.
	if sin > 0.9999 {
		sin = 0.9999
	} else if sin < -0.9999 {
		sin = -0.9999
	}
	px := (p[0]+180)/360*t.worldSize - t.offsetX
	py := (0.5-math.Log((1+sin)/(1-sin))/(4*math.Pi))*t.worldSize - t.offsetY
	return orb.Point{px, py}
}

func (t tileProjection) geometry(g orb.Geometry) orb.Geometry {
	switch gt := g.(type) {
	case orb.Point:
		return t.point(gt)
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(gt))
		for i, p := range gt {
			out[i] = t.point(p)
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(gt))
		for i, p := range gt {
			out[i] = t.point(p)
		}
		return out
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(gt))
		for i, ls := range gt {
			out[i] = t.geometry(ls).(orb.LineString)
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(gt))
		for i, p := range gt {
			out[i] = t.point(p)
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(gt))
		for i, r := range gt {
			out[i] = t.geometry(r).(orb.Ring)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(gt))
		for i, p := range gt {
			out[i] = t.geometry(p).(orb.Polygon)
		}
		return out
	default:
		return g
	}
}
