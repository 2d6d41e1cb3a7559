// Package analytics answers spatial analytic queries over stored features.
// Every store-backed operation works on a bounded sample in stable store
// order and reports whether truncation may have occurred.
package analytics

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
	"github.com/mopinfish/geo-base-sub001/internal/geostore"
)

// DefaultSampleLimit bounds the candidate set of any single analytic call.
const DefaultSampleLimit = 1000

// DefaultGridSize is the N of the NxN density grid when none is
// configured.
const DefaultGridSize = 3

// DefaultTopK bounds hotspot and cluster listings when neither the
// configuration nor the request sets a k.
const DefaultTopK = 3

// Scope selects the features an operation runs over.
type Scope struct {
	TilesetID string `json:"tileset_id"`
	Layer     string `json:"layer,omitempty"`
	PropKey   string `json:"property_key,omitempty"`
	PropValue string `json:"property_value,omitempty"`
}

// Sample reports how the candidate set was bounded.
type Sample struct {
	SampleLimit int  `json:"sample_limit"`
	IsSample    bool `json:"is_sample"`
}

// FeatureSource is the store slice the engine reads through.
type FeatureSource interface {
	Query(ctx context.Context, params geostore.QueryParams) ([]geostore.Feature, error)
}

// Options tunes the engine. Zero fields fall back to the package
// defaults.
type Options struct {
	SampleLimit int
	GridSize    int
	TopK        int
}

// Engine runs the analytic operations.
type Engine struct {
	source      FeatureSource
	sampleLimit int
	gridSize    int
	topK        int
	log         *zap.Logger
}

func New(source FeatureSource, opts Options) *Engine {
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = DefaultSampleLimit
	}
	if opts.GridSize <= 0 {
		opts.GridSize = DefaultGridSize
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Engine{
		source:      source,
		sampleLimit: opts.SampleLimit,
		gridSize:    opts.GridSize,
		topK:        opts.TopK,
		log:         zap.L().With(zap.String("component", "analytics")),
	}
}

// candidate is a feature reduced to its representative point.
type candidate struct {
	id    int64
	layer string
	pt    [2]float64 // lng, lat
}

// sample fetches the scoped candidate set, bounded by the sample limit, and
// reduces geometries to representative points. Features without a usable
// point are dropped.
func (e *Engine) sample(ctx context.Context, scope Scope, bbox *geostore.BBox) ([]candidate, Sample, error) {
	if _, err := uuid.Parse(scope.TilesetID); err != nil {
		return nil, Sample{}, apperr.Validationf("tileset id %q is not a valid uuid", scope.TilesetID)
	}
	feats, err := e.source.Query(ctx, geostore.QueryParams{
		TilesetID: scope.TilesetID,
		BBox:      bbox,
		Layer:     scope.Layer,
		PropKey:   scope.PropKey,
		PropValue: scope.PropValue,
		Limit:     e.sampleLimit,
	})
	if err != nil {
		return nil, Sample{}, err
	}

	out := make([]candidate, 0, len(feats))
	for _, f := range feats {
		pt, ok := featurePoint(f.Geometry)
		if !ok {
			continue
		}
		out = append(out, candidate{id: f.ID, layer: f.Layer, pt: [2]float64{pt[0], pt[1]}})
	}
	return out, Sample{SampleLimit: e.sampleLimit, IsSample: len(feats) == e.sampleLimit}, nil
}

// DistanceRequest measures between two explicit points; no store access.
type DistanceRequest struct {
	Lat1 float64 `json:"lat1"`
	Lng1 float64 `json:"lng1"`
	Lat2 float64 `json:"lat2"`
	Lng2 float64 `json:"lng2"`
}

type DistanceResult struct {
	DistanceKm float64 `json:"distance_km"`
	BearingDeg float64 `json:"bearing_deg"`
	Compass    string  `json:"bearing_direction"`
}

func (e *Engine) Distance(req DistanceRequest) (*DistanceResult, error) {
	for _, lat := range []float64{req.Lat1, req.Lat2} {
		if lat < -90 || lat > 90 {
			return nil, apperr.Validationf("latitude %v out of range", lat)
		}
	}
	for _, lng := range []float64{req.Lng1, req.Lng2} {
		if lng < -180 || lng > 180 {
			return nil, apperr.Validationf("longitude %v out of range", lng)
		}
	}
	bearing := BearingDeg(req.Lat1, req.Lng1, req.Lat2, req.Lng2)
	return &DistanceResult{
		DistanceKm: HaversineKm(req.Lat1, req.Lng1, req.Lat2, req.Lng2),
		BearingDeg: bearing,
		Compass:    Compass(bearing),
	}, nil
}

type NearestRequest struct {
	Scope    Scope   `json:"scope"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	RadiusKm float64 `json:"radius_km"`
	Limit    int     `json:"limit"`
}

type NearestItem struct {
	FeatureID  int64   `json:"feature_id"`
	Layer      string  `json:"layer"`
	Lng        float64 `json:"lng"`
	Lat        float64 `json:"lat"`
	DistanceKm float64 `json:"distance_km"`
	BearingDeg float64 `json:"bearing_deg"`
	Compass    string  `json:"bearing_direction"`
}

type NearestResult struct {
	Items  []NearestItem `json:"items"`
	Sample Sample        `json:"sample"`
}

// Nearest prefilters with a radius-derived bbox, then ranks by exact
// haversine distance. Ties break by feature id so output is stable.
func (e *Engine) Nearest(ctx context.Context, req NearestRequest) (*NearestResult, error) {
	if req.RadiusKm <= 0 {
		return nil, apperr.Validationf("radius must be positive, got %v", req.RadiusKm)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	minLng, minLat, maxLng, maxLat := radiusBBox(req.Lat, req.Lng, req.RadiusKm)
	bbox := &geostore.BBox{MinLng: minLng, MinLat: math.Max(minLat, -90), MaxLng: maxLng, MaxLat: math.Min(maxLat, 90)}
	if bbox.MinLng < -180 {
		bbox.MinLng = -180
	}
	if bbox.MaxLng > 180 {
		bbox.MaxLng = 180
	}

	cands, sample, err := e.sample(ctx, req.Scope, bbox)
	if err != nil {
		return nil, err
	}

	items := make([]NearestItem, 0, len(cands))
	for _, c := range cands {
		d := HaversineKm(req.Lat, req.Lng, c.pt[1], c.pt[0])
		if d > req.RadiusKm {
			continue
		}
		b := BearingDeg(req.Lat, req.Lng, c.pt[1], c.pt[0])
		items = append(items, NearestItem{
			FeatureID:  c.id,
			Layer:      c.layer,
			Lng:        c.pt[0],
			Lat:        c.pt[1],
			DistanceKm: d,
			BearingDeg: b,
			Compass:    Compass(b),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].DistanceKm != items[j].DistanceKm {
			return items[i].DistanceKm < items[j].DistanceKm
		}
		return items[i].FeatureID < items[j].FeatureID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return &NearestResult{Items: items, Sample: sample}, nil
}

type DensityRequest struct {
	Scope Scope         `json:"scope"`
	BBox  geostore.BBox `json:"bbox"`
	TopK  int           `json:"top_k"`
}

type DensityCell struct {
	Row       int     `json:"row"`
	Col       int     `json:"col"`
	Count     int     `json:"count"`
	CenterLng float64 `json:"center_lng"`
	CenterLat float64 `json:"center_lat"`
}

type DensityResult struct {
	GridSize int           `json:"grid_size"`
	Counts   [][]int       `json:"counts"`
	Hotspots []DensityCell `json:"hotspots"`
	Total    int           `json:"total"`
	Sample   Sample        `json:"sample"`
}

// DensityGrid buckets candidates into an NxN grid over the bbox by
// representative point. Cell counts always sum to the sampled total.
func (e *Engine) DensityGrid(ctx context.Context, req DensityRequest) (*DensityResult, error) {
	if err := req.BBox.Validate(); err != nil {
		return nil, err
	}
	if req.BBox.MaxLng == req.BBox.MinLng || req.BBox.MaxLat == req.BBox.MinLat {
		return nil, apperr.Validationf("density bbox must have positive extent")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.topK
	}

	cands, sample, err := e.sample(ctx, req.Scope, &req.BBox)
	if err != nil {
		return nil, err
	}

	n := e.gridSize
	counts := make([][]int, n)
	for i := range counts {
		counts[i] = make([]int, n)
	}
	cellW := (req.BBox.MaxLng - req.BBox.MinLng) / float64(n)
	cellH := (req.BBox.MaxLat - req.BBox.MinLat) / float64(n)

	total := 0
	for _, c := range cands {
		if c.pt[0] < req.BBox.MinLng || c.pt[0] > req.BBox.MaxLng ||
			c.pt[1] < req.BBox.MinLat || c.pt[1] > req.BBox.MaxLat {
			continue
		}
		col := int((c.pt[0] - req.BBox.MinLng) / cellW)
		row := int((c.pt[1] - req.BBox.MinLat) / cellH)
		// Points on the max edge belong to the last cell.
		if col >= n {
			col = n - 1
		}
		if row >= n {
			row = n - 1
		}
		counts[row][col]++
		total++
	}

	cells := make([]DensityCell, 0, n*n)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			cells = append(cells, DensityCell{
				Row:       row,
				Col:       col,
				Count:     counts[row][col],
				CenterLng: req.BBox.MinLng + (float64(col)+0.5)*cellW,
				CenterLat: req.BBox.MinLat + (float64(row)+0.5)*cellH,
			})
		}
	}
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].Count > cells[j].Count })
	if len(cells) > topK {
		cells = cells[:topK]
	}

	return &DensityResult{
		GridSize: n,
		Counts:   counts,
		Hotspots: cells,
		Total:    total,
		Sample:   sample,
	}, nil
}

type ClusterRequest struct {
	Scope       Scope   `json:"scope"`
	ThresholdKm float64 `json:"threshold_km"`
	TopK        int     `json:"top_k"`
}

type Cluster struct {
	Size      int     `json:"size"`
	CenterLng float64 `json:"center_lng"`
	CenterLat float64 `json:"center_lat"`
}

type ClusterResult struct {
	ClusterCount  int       `json:"cluster_count"`
	IsolatedCount int       `json:"isolated_count"`
	Top           []Cluster `json:"top_clusters"`
	Sample        Sample    `json:"sample"`
}

// Clusters runs a single greedy pass in stable store order: each candidate
// joins the first existing cluster holding a member within the threshold,
// else it starts its own. The order dependence is intentional; it keeps the
// result reproducible without an iterative solver.
func (e *Engine) Clusters(ctx context.Context, req ClusterRequest) (*ClusterResult, error) {
	if req.ThresholdKm <= 0 {
		return nil, apperr.Validationf("threshold must be positive, got %v", req.ThresholdKm)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.topK
	}

	cands, sample, err := e.sample(ctx, req.Scope, nil)
	if err != nil {
		return nil, err
	}

	var clusters [][]candidate
next:
	for _, c := range cands {
		for i, members := range clusters {
			for _, m := range members {
				if HaversineKm(c.pt[1], c.pt[0], m.pt[1], m.pt[0]) <= req.ThresholdKm {
					clusters[i] = append(clusters[i], c)
					continue next
				}
			}
		}
		clusters = append(clusters, []candidate{c})
	}

	isolated := 0
	top := make([]Cluster, 0, len(clusters))
	for _, members := range clusters {
		if len(members) == 1 {
			isolated++
		}
		var sx, sy float64
		for _, m := range members {
			sx += m.pt[0]
			sy += m.pt[1]
		}
		top = append(top, Cluster{
			Size:      len(members),
			CenterLng: sx / float64(len(members)),
			CenterLat: sy / float64(len(members)),
		})
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].Size > top[j].Size })
	if len(top) > topK {
		top = top[:topK]
	}

	return &ClusterResult{
		ClusterCount:  len(clusters),
		IsolatedCount: isolated,
		Top:           top,
		Sample:        sample,
	}, nil
}

type RingRequest struct {
	Scope   Scope   `json:"scope"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	InnerKm float64 `json:"inner_km"`
	OuterKm float64 `json:"outer_km"`
}

type RingResult struct {
	Count        int     `json:"count"`
	AreaKm2      float64 `json:"area_km2"`
	DensityPerKm float64 `json:"features_per_km2"`
	Sample       Sample  `json:"sample"`
}

// Ring counts features whose distance from the center lies in
// [inner, outer).
func (e *Engine) Ring(ctx context.Context, req RingRequest) (*RingResult, error) {
	if req.InnerKm < 0 || req.InnerKm >= req.OuterKm {
		return nil, apperr.Validationf(
			"invalid radii: inner %v must be non-negative and less than outer %v", req.InnerKm, req.OuterKm)
	}

	minLng, minLat, maxLng, maxLat := radiusBBox(req.Lat, req.Lng, req.OuterKm)
	bbox := &geostore.BBox{
		MinLng: math.Max(minLng, -180), MinLat: math.Max(minLat, -90),
		MaxLng: math.Min(maxLng, 180), MaxLat: math.Min(maxLat, 90),
	}

	cands, sample, err := e.sample(ctx, req.Scope, bbox)
	if err != nil {
		return nil, err
	}

	count := 0
	for _, c := range cands {
		d := HaversineKm(req.Lat, req.Lng, c.pt[1], c.pt[0])
		if d >= req.InnerKm && d < req.OuterKm {
			count++
		}
	}

	area := math.Pi * (req.OuterKm*req.OuterKm - req.InnerKm*req.InnerKm)
	return &RingResult{
		Count:        count,
		AreaKm2:      area,
		DensityPerKm: float64(count) / area,
		Sample:       sample,
	}, nil
}

type AreaRequest struct {
	Scope Scope         `json:"scope"`
	BBox  geostore.BBox `json:"bbox"`
}

type AreaResult struct {
	AreaKm2      float64 `json:"area_km2"`
	FeatureCount int     `json:"feature_count"`
	DensityPerKm float64 `json:"features_per_km2"`
	Sample       Sample  `json:"sample"`
}

// AreaStats approximates the bbox area on a local flat-earth model and
// reports feature density over it.
func (e *Engine) AreaStats(ctx context.Context, req AreaRequest) (*AreaResult, error) {
	if err := req.BBox.Validate(); err != nil {
		return nil, err
	}

	cands, sample, err := e.sample(ctx, req.Scope, &req.BBox)
	if err != nil {
		return nil, err
	}

	midLat := (req.BBox.MinLat + req.BBox.MaxLat) / 2
	h := (req.BBox.MaxLat - req.BBox.MinLat) * kmPerDegree
	w := (req.BBox.MaxLng - req.BBox.MinLng) * kmPerDegree * math.Cos(midLat*math.Pi/180)
	area := h * w

	res := &AreaResult{
		AreaKm2:      area,
		FeatureCount: len(cands),
		Sample:       sample,
	}
	if area > 0 {
		res.DensityPerKm = float64(len(cands)) / area
	}
	return res, nil
}
