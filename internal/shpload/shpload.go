// Package shpload imports ESRI shapefiles into the feature store. Geometries
// come out as WGS84 orb values; DBF attributes become feature properties.
package shpload

import (
	"context"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/geostore"
	"github.com/mopinfish/geo-base-sub001/internal/resilience"
)

// DefaultBatchSize is the number of features per insert batch.
const DefaultBatchSize = 500

// Options controls one import run.
type Options struct {
	// Layer assigns every imported feature to this layer. Empty means the
	// store default.
	Layer string
	// BatchSize caps features per InsertFeatures call.
	BatchSize int
	// Retry wraps each batch insert. Zero value retries transient store
	// errors with the package defaults.
	Retry resilience.RetryConfig
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// FeatureWriter is the store slice the loader writes through.
type FeatureWriter interface {
	InsertFeatures(ctx context.Context, tilesetID string, feats []geostore.Feature) (int64, error)
}

// Loader reads shapefiles and bulk-inserts their features.
type Loader struct {
	store FeatureWriter
	log   *zap.Logger
}

func New(store FeatureWriter) *Loader {
	return &Loader{
		store: store,
		log:   zap.L().With(zap.String("component", "shpload")),
	}
}

// Load imports every shape in path into tilesetID. Shapes that cannot be
// represented (null shapes, unsupported types) are skipped and counted.
// Returns the number of features inserted.
func (l *Loader) Load(ctx context.Context, tilesetID, path string, opts Options) (int64, error) {
	opts = opts.withDefaults()

	feats, skipped, err := Read(path, opts.Layer)
	if err != nil {
		return 0, err
	}
	if skipped > 0 {
		l.log.Warn("skipped unsupported shapes",
			zap.String("path", path),
			zap.Int("skipped", skipped))
	}

	total, err := l.Insert(ctx, tilesetID, feats, opts)
	if err != nil {
		return total, err
	}

	l.log.Info("shapefile imported",
		zap.String("path", path),
		zap.String("tileset", tilesetID),
		zap.Int64("features", total))
	return total, nil
}

// Insert writes features in batches, retrying each batch on transient store
// errors.
func (l *Loader) Insert(ctx context.Context, tilesetID string, feats []geostore.Feature, opts Options) (int64, error) {
	opts = opts.withDefaults()

	retry := opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("geostore", "insert_features")
	}

	var total int64
	for start := 0; start < len(feats); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(feats))
		batch := feats[start:end]

		n, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (int64, error) {
			return l.store.InsertFeatures(ctx, tilesetID, batch)
		})
		if err != nil {
			return total, eris.Wrapf(err, "shpload: insert batch at offset %d", start)
		}
		total += n
	}
	return total, nil
}

// Read parses a shapefile into features. The second return is the count of
// shapes that were skipped as unrepresentable.
func Read(path, layer string) ([]geostore.Feature, int, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "shpload: open %s", path)
	}
	defer r.Close() //nolint:errcheck

	fields := r.Fields()
	var feats []geostore.Feature
	skipped := 0

	for r.Next() {
		_, shape := r.Shape()
		geom, ok := convert(shape)
		if !ok {
			skipped++
			continue
		}

		props := make(map[string]any, len(fields))
		for i, f := range fields {
			name := strings.TrimRight(f.String(), "\x00")
			val := strings.TrimSpace(strings.TrimRight(r.Attribute(i), "\x00"))
			if val != "" {
				props[name] = val
			}
		}

		feats = append(feats, geostore.Feature{
			Layer:      layer,
			Geometry:   geom,
			Properties: props,
		})
	}
	if err := r.Err(); err != nil {
		return nil, 0, eris.Wrapf(err, "shpload: read %s", path)
	}
	return feats, skipped, nil
}

// convert maps a shapefile shape onto an orb geometry. Z and M variants
// flatten to 2D.
func convert(s shp.Shape) (orb.Geometry, bool) {
	switch v := s.(type) {
	case *shp.Point:
		return orb.Point{v.X, v.Y}, true
	case *shp.PointZ:
		return orb.Point{v.X, v.Y}, true
	case *shp.PointM:
		return orb.Point{v.X, v.Y}, true
	case *shp.MultiPoint:
		return multiPoint(v.Points), true
	case *shp.MultiPointZ:
		return multiPoint(v.Points), true
	case *shp.PolyLine:
		return polyLine(v.Parts, v.Points), true
	case *shp.PolyLineZ:
		return polyLine(v.Parts, v.Points), true
	case *shp.Polygon:
		return polygon(v.Parts, v.Points), true
	case *shp.PolygonZ:
		return polygon(v.Parts, v.Points), true
	default:
		return nil, false
	}
}

func multiPoint(pts []shp.Point) orb.Geometry {
	mp := make(orb.MultiPoint, 0, len(pts))
	for _, p := range pts {
		mp = append(mp, orb.Point{p.X, p.Y})
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}

func polyLine(parts []int32, pts []shp.Point) orb.Geometry {
	lines := make(orb.MultiLineString, 0, len(parts))
	for _, ring := range splitParts(parts, pts) {
		lines = append(lines, orb.LineString(ring))
	}
	if len(lines) == 1 {
		return lines[0]
	}
	return lines
}

// polygon regroups rings into polygons: shapefile outer rings wind clockwise
// (negative shoelace area), holes counterclockwise, and holes follow their
// outer ring.
func polygon(parts []int32, pts []shp.Point) orb.Geometry {
	var polys orb.MultiPolygon
	for _, ring := range splitParts(parts, pts) {
		r := orb.Ring(ring)
		if len(polys) == 0 || shoelace(r) < 0 {
			polys = append(polys, orb.Polygon{r})
			continue
		}
		polys[len(polys)-1] = append(polys[len(polys)-1], r)
	}
	if len(polys) == 1 {
		return polys[0]
	}
	return polys
}

func splitParts(parts []int32, pts []shp.Point) [][]orb.Point {
	if len(parts) == 0 {
		parts = []int32{0}
	}
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := len(pts)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		ring := make([]orb.Point, 0, end-int(start))
		for _, p := range pts[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		out = append(out, ring)
	}
	return out
}

// shoelace is twice the signed ring area; positive for counterclockwise.
func shoelace(r orb.Ring) float64 {
	var sum float64
	for i := 0; i < len(r)-1; i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return sum
}
