package spatial

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// Constants
const (
	EarthRadiusMeters = 6371000.0 // Earth's mean radius in meters

	metersPerDegreeLat = EarthRadiusMeters * math.Pi / 180
)

// HaversineDistance calculates the great-circle distance between two points in meters
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Distance is HaversineDistance for Points
func Distance(a, b Point) float64 {
	return HaversineDistance(a.Lat, a.Lon, b.Lat, b.Lon)
}

// MetersToDegrees converts a ground distance at the given latitude into
// degree spans along each axis. The longitude span grows toward the poles and
// is capped at 360.
func MetersToDegrees(meters, lat float64) (dLat, dLon float64) {
	dLat = s1.Angle(meters / EarthRadiusMeters).Degrees()
	cos := math.Cos((s1.Angle(lat) * s1.Degree).Radians())
	if cos < 1e-9 {
		return dLat, 360
	}
	dLon = dLat / cos
	if dLon > 360 {
		dLon = 360
	}
	return dLat, dLon
}

// DegreesToMeters converts a latitude span in degrees to meters
func DegreesToMeters(degrees float64) float64 {
	return degrees * metersPerDegreeLat
}

// DestinationPoint calculates the destination point given a start point, bearing, and distance
// bearing: degrees (0-360), distance: meters
func DestinationPoint(lat, lon, bearing, distance float64) (float64, float64) {
	p := s2.LatLngFromDegrees(lat, lon)
	bearingRad := bearing * math.Pi / 180
	angularDistance := distance / EarthRadiusMeters

	latRad := p.Lat.Radians()
	lonRad := p.Lng.Radians()

	lat2 := math.Asin(math.Sin(latRad)*math.Cos(angularDistance) +
		math.Cos(latRad)*math.Sin(angularDistance)*math.Cos(bearingRad))

	lon2 := lonRad + math.Atan2(
		math.Sin(bearingRad)*math.Sin(angularDistance)*math.Cos(latRad),
		math.Cos(angularDistance)-math.Sin(latRad)*math.Sin(lat2))

	return lat2 * 180 / math.Pi, lon2 * 180 / math.Pi
}
