package location

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/geo"
)

// DefaultCellSize is the grid resolution in degrees (roughly 1.1 km of latitude).
const DefaultCellSize = 0.01

// GridCell is a coarse spatial bucket.
type GridCell struct {
	X int `json:"x"` // longitude index
	Y int `json:"y"` // latitude index
}

func (c GridCell) String() string { return fmt.Sprintf("%d:%d", c.X, c.Y) }

// Quantize maps a location onto its grid cell.
func Quantize(l Location, size float64) GridCell {
	if size <= 0 {
		size = DefaultCellSize
	}
	return GridCell{
		X: int(math.Floor(l.Lon / size)),
		Y: int(math.Floor(l.Lat / size)),
	}
}

// Center returns the middle of the cell.
func (c GridCell) Center(size float64) Location {
	if size <= 0 {
		size = DefaultCellSize
	}
	return Location{
		Lat: (float64(c.Y) + 0.5) * size,
		Lon: (float64(c.X) + 0.5) * size,
	}
}

// CellRange is an inclusive rectangle of grid cells. When Min.X > Max.X the
// range crosses the antimeridian and covers Min.X..east edge plus west
// edge..Max.X.
type CellRange struct {
	Min, Max GridCell
	size     float64
}

// Wraps reports whether the range crosses the antimeridian.
func (r CellRange) Wraps() bool { return r.Min.X > r.Max.X }

// edges returns the column indices of lon -180 and +180.
func (r CellRange) edges() (west, east int) {
	return Quantize(Location{Lon: -180}, r.size).X, Quantize(Location{Lon: 180}, r.size).X
}

func (r CellRange) columns() int {
	if !r.Wraps() {
		return r.Max.X - r.Min.X + 1
	}
	west, east := r.edges()
	return max(east-r.Min.X+1, 0) + max(r.Max.X-west+1, 0)
}

// Len is the number of cells in the range.
func (r CellRange) Len() int {
	rows := r.Max.Y - r.Min.Y + 1
	cols := r.columns()
	if rows <= 0 || cols <= 0 {
		return 0
	}
	return rows * cols
}

// Contains reports whether c lies in the range.
func (r CellRange) Contains(c GridCell) bool {
	if c.Y < r.Min.Y || c.Y > r.Max.Y {
		return false
	}
	if r.Wraps() {
		return c.X >= r.Min.X || c.X <= r.Max.X
	}
	return c.X >= r.Min.X && c.X <= r.Max.X
}

// Each calls fn for every cell in the range.
func (r CellRange) Each(fn func(GridCell)) {
	for y := r.Min.Y; y <= r.Max.Y; y++ {
		if !r.Wraps() {
			for x := r.Min.X; x <= r.Max.X; x++ {
				fn(GridCell{X: x, Y: y})
			}
			continue
		}
		west, east := r.edges()
		for x := r.Min.X; x <= east; x++ {
			fn(GridCell{X: x, Y: y})
		}
		for x := west; x <= r.Max.X; x++ {
			fn(GridCell{X: x, Y: y})
		}
	}
}

// CellsWithin returns the cells overlapping the circle of radius metres around center.
func CellsWithin(center Location, radius, size float64) CellRange {
	if radius < 0 {
		radius = 0
	}
	if size <= 0 {
		size = DefaultCellSize
	}
	b := geo.NewBoundAroundPoint(center.Point(), radius)
	return CellRange{
		Min:  Quantize(FromPoint(b.Min), size),
		Max:  Quantize(FromPoint(b.Max), size),
		size: size,
	}
}
