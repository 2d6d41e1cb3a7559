package analytics

import (
	"math"

	"github.com/paulmach/orb"
)

// EarthRadiusKm is the IUGG mean earth radius.
const EarthRadiusKm = 6371.0088

// kmPerDegree approximates one degree of latitude.
const kmPerDegree = 111.32

var compassSectors = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// HaversineKm is the great-circle distance between two WGS84 points.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BearingDeg is the forward azimuth from the first point to the second,
// normalized to [0,360).
func BearingDeg(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Compass quantizes a bearing to the nearest of 8 sectors, 45 degrees each
// with north centered at 0.
func Compass(bearing float64) string {
	idx := int(math.Round(bearing/45)) % 8
	return compassSectors[idx]
}

// featurePoint reduces a geometry to one representative point: polygons use
// the cross-product centroid, falling back to the first vertex when the ring
// is degenerate; line-ish geometries average their vertices.
func featurePoint(g orb.Geometry) (orb.Point, bool) {
	switch gt := g.(type) {
	case orb.Point:
		return gt, true
	case orb.MultiPoint:
		if len(gt) == 0 {
			return orb.Point{}, false
		}
		return vertexMean(gt), true
	case orb.LineString:
		if len(gt) == 0 {
			return orb.Point{}, false
		}
		return vertexMean(gt), true
	case orb.MultiLineString:
		var pts []orb.Point
		for _, ls := range gt {
			pts = append(pts, ls...)
		}
		if len(pts) == 0 {
			return orb.Point{}, false
		}
		return vertexMean(pts), true
	case orb.Ring:
		return ringCentroid(gt)
	case orb.Polygon:
		if len(gt) == 0 {
			return orb.Point{}, false
		}
		return ringCentroid(gt[0])
	case orb.MultiPolygon:
		// Largest exterior wins.
		var best orb.Point
		var bestArea float64
		found := false
		for _, poly := range gt {
			if len(poly) == 0 {
				continue
			}
			c, ok := ringCentroid(poly[0])
			if !ok {
				continue
			}
			a := math.Abs(ringArea(poly[0]))
			if !found || a > bestArea {
				best, bestArea, found = c, a, true
			}
		}
		return best, found
	default:
		return orb.Point{}, false
	}
}

func vertexMean(pts []orb.Point) orb.Point {
	var sx, sy float64
	for _, p := range pts {
		sx += p[0]
		sy += p[1]
	}
	n := float64(len(pts))
	return orb.Point{sx / n, sy / n}
}

func ringArea(ring orb.Ring) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return sum / 2
}

// ringCentroid is the planar polygon centroid. Degenerate rings fall back to
// their first vertex.
func ringCentroid(ring orb.Ring) (orb.Point, bool) {
	if len(ring) == 0 {
		return orb.Point{}, false
	}
	area := ringArea(ring)
	if math.Abs(area) < 1e-12 {
		return ring[0], true
	}
	var cx, cy float64
	for i := 0; i < len(ring)-1; i++ {
		cross := ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
		cx += (ring[i][0] + ring[i+1][0]) * cross
		cy += (ring[i][1] + ring[i+1][1]) * cross
	}
	return orb.Point{cx / (6 * area), cy / (6 * area)}, true
}

// radiusBBox converts a radius around a center into an approximate degree
// bbox for coarse prefiltering. Longitude widens with latitude.
func radiusBBox(lat, lng, radiusKm float64) (minLng, minLat, maxLng, maxLat float64) {
	dLat := radiusKm / kmPerDegree
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLng := radiusKm / (kmPerDegree * cos)
	return lng - dLng, lat - dLat, lng + dLng, lat + dLat
}
