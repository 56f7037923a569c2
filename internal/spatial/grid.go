package spatial

import "math"

// CellKey identifies a cell of a degree grid
type CellKey struct {
	X int64
	Y int64
}

// Grid buckets coordinates into cells of roughly cellMeters at a reference latitude
type Grid struct {
	cellLat float64
	cellLon float64
}

// NewGrid builds a grid whose cells span cellMeters at refLat
func NewGrid(cellMeters, refLat float64) Grid {
	dLat, dLon := MetersToDegrees(cellMeters, refLat)
	return Grid{cellLat: dLat, cellLon: dLon}
}

// Key returns the cell containing p
func (g Grid) Key(p Point) CellKey {
	return CellKey{
		X: int64(math.Floor(p.Lon / g.cellLon)),
		Y: int64(math.Floor(p.Lat / g.cellLat)),
	}
}

// Neighborhood returns the 3x3 block of cells around k
func (g Grid) Neighborhood(k CellKey) []CellKey {
	out := make([]CellKey, 0, 9)
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			out = append(out, CellKey{X: k.X + dx, Y: k.Y + dy})
		}
	}
	return out
}
