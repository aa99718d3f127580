package gtfs

import "github.com/paulmach/orb"

type ShapePoint struct {
	Lat          float64
	Lon          float64
	Sequence     int
	DistTraveled float64 // meters, if available; 0 if missing
}

// RouteStop is a stop served by a route, in trip order.
type RouteStop struct {
	StopID   string
	Name     string
	Sequence int
	Lat      float64
	Lon      float64
}

// Line converts shape points to an orb polyline (lon, lat).
func Line(pts []ShapePoint) orb.LineString {
	if len(pts) == 0 {
		return nil
	}
	ls := make(orb.LineString, len(pts))
	for i, p := range pts {
		ls[i] = orb.Point{p.Lon, p.Lat}
	}
	return ls
}

// Dedupe drops consecutive points with identical coordinates, which some
// feeds emit at shape joins.
func Dedupe(pts []ShapePoint) []ShapePoint {
	if len(pts) < 2 {
		return pts
	}
	out := pts[:1]
	for _, p := range pts[1:] {
		last := out[len(out)-1]
		if p.Lat == last.Lat && p.Lon == last.Lon {
			continue
		}
		out = append(out, p)
	}
	return out
}
