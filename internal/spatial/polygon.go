package spatial

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Polygon is a parsed place boundary
type Polygon struct {
	poly orb.Polygon
}

// ParsePolygon accepts a GeoJSON Polygon geometry, or a Feature wrapping one.
// An empty string yields (nil, nil).
func ParsePolygon(raw string) (*Polygon, error) {
	if raw == "" {
		return nil, nil
	}

	g, err := geojson.UnmarshalGeometry([]byte(raw))
	if err != nil {
		f, ferr := geojson.UnmarshalFeature([]byte(raw))
		if ferr != nil {
			return nil, fmt.Errorf("failed to parse polygon: %w", err)
		}
		return fromGeometry(f.Geometry)
	}
	return fromGeometry(g.Geometry())
}

func fromGeometry(g orb.Geometry) (*Polygon, error) {
	poly, ok := g.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("expected Polygon geometry, got %T", g)
	}
	if len(poly) == 0 || len(poly[0]) < 4 {
		return nil, fmt.Errorf("polygon needs a closed outer ring of at least 4 positions")
	}
	return &Polygon{poly: poly}, nil
}

// Contains reports whether p lies inside the polygon, honoring holes
func (pg *Polygon) Contains(p Point) bool {
	if pg == nil {
		return false
	}
	return planar.PolygonContains(pg.poly, orb.Point{p.Lon, p.Lat})
}

// Centroid returns the area centroid of the polygon
func (pg *Polygon) Centroid() Point {
	c, _ := planar.CentroidArea(pg.poly)
	return Point{Lat: c.Lat(), Lon: c.Lon()}
}
