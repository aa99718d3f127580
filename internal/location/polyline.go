package location

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

const earthRadius = 6371000.0

// CumulativeDistances returns the running length in metres at every vertex.
func CumulativeDistances(line orb.LineString) []float64 {
	if len(line) == 0 {
		return nil
	}
	cum := make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum[i] = cum[i-1] + geo.DistanceHaversine(line[i-1], line[i])
	}
	return cum
}

// DistanceAlong projects l onto the polyline and returns the distance in
// metres from the first vertex to the projected point. Uses an
// equirectangular approximation around l for the per-segment projection.
func DistanceAlong(line orb.LineString, cum []float64, l Location) float64 {
	n := len(line)
	if n == 0 {
		return 0
	}
	if len(cum) != n {
		cum = CumulativeDistances(line)
	}
	if n == 1 {
		return 0
	}
	cosLat := math.Cos(l.Lat * math.Pi / 180)
	toXY := func(p orb.Point) (x, y float64) {
		y = (p.Lat() - l.Lat) * math.Pi / 180 * earthRadius
		x = (p.Lon() - l.Lon) * math.Pi / 180 * earthRadius * cosLat
		return
	}
	best := math.MaxFloat64
	along := 0.0
	x0, y0 := toXY(line[0])
	for i := 1; i < n; i++ {
		x1, y1 := toXY(line[i])
		dx, dy := x1-x0, y1-y0
		segLen2 := dx*dx + dy*dy
		t := 0.0
		if segLen2 > 0 {
			t = -(x0*dx + y0*dy) / segLen2
			t = math.Max(0, math.Min(1, t))
		}
		px, py := x0+t*dx, y0+t*dy
		if d2 := px*px + py*py; d2 < best {
			best = d2
			along = cum[i-1] + t*(cum[i]-cum[i-1])
		}
		x0, y0 = x1, y1
	}
	return along
}
