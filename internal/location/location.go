package location

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Location is the canonical two-field coordinate used everywhere past the
// normalization boundary.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Point returns the orb representation (lon, lat).
func (l Location) Point() orb.Point { return orb.Point{l.Lon, l.Lat} }

// FromPoint converts an orb point back to a Location.
func FromPoint(p orb.Point) Location { return Location{Lat: p.Lat(), Lon: p.Lon()} }

func (l Location) String() string { return fmt.Sprintf("(%.6f, %.6f)", l.Lat, l.Lon) }

// Valid reports whether the coordinate is within WGS84 bounds.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b Location) float64 {
	return geo.DistanceHaversine(a.Point(), b.Point())
}
