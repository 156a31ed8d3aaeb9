// Package geo provides great-circle helpers for owner location fixes.
//
// Distances are in metres and bearings in degrees clockwise from north. The
// helpers assume WGS84 coordinates and a spherical earth, which is accurate to
// well under the GPS noise floor at the ranges the detector cares about.
package geo

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// EarthRadiusMeters is the mean earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180.0 }
func toDegrees(rad float64) float64 { return rad * 180.0 / math.Pi }

// Haversine returns the great-circle distance between a and b in metres.
func Haversine(a, b Point) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Bearing returns the initial bearing from a to b in degrees [0, 360).
func Bearing(a, b Point) float64 {
	dLon := toRadians(b.Lon - a.Lon)
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := toDegrees(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// Offset returns the point reached by travelling distance metres from p on
// the given bearing. Used by scenario generators and tests.
func Offset(p Point, bearingDeg, distance float64) Point {
	lat1 := toRadians(p.Lat)
	lon1 := toRadians(p.Lon)
	brng := toRadians(bearingDeg)
	d := distance / EarthRadiusMeters

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(math.Sin(brng)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	return Point{Lat: toDegrees(lat2), Lon: toDegrees(lon2)}
}

// Centroid returns the arithmetic mean of the given points. For the short
// baselines involved (a few km at most) the planar mean is adequate.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	lats := make([]float64, len(points))
	lons := make([]float64, len(points))
	for i, p := range points {
		lats[i] = p.Lat
		lons[i] = p.Lon
	}
	return Point{Lat: stat.Mean(lats, nil), Lon: stat.Mean(lons, nil)}
}

// MaxDistanceFrom returns the largest distance from origin to any of points.
func MaxDistanceFrom(origin Point, points []Point) float64 {
	if len(points) == 0 {
		return 0
	}
	dists := make([]float64, len(points))
	for i, p := range points {
		dists[i] = Haversine(origin, p)
	}
	return floats.Max(dists)
}

// Spread returns the maximum distance of any point from the centroid.
func Spread(points []Point) float64 {
	return MaxDistanceFrom(Centroid(points), points)
}
