package geo

import (
	"math"
	"testing"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Point
		expected float64
		tol      float64
	}{
		{"same point", Point{51.5, -0.12}, Point{51.5, -0.12}, 0, 1e-6},
		{"one degree latitude", Point{0, 0}, Point{1, 0}, 111195, 10},
		{"london to paris", Point{51.5074, -0.1278}, Point{48.8566, 2.3522}, 343556, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.tol {
				t.Errorf("Haversine(%v, %v) = %f, want %f ± %f", tt.a, tt.b, got, tt.expected, tt.tol)
			}
		})
	}
}

func TestHaversine_Symmetric(t *testing.T) {
	a := Point{37.7749, -122.4194}
	b := Point{37.8044, -122.2712}
	if d1, d2 := Haversine(a, b), Haversine(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Errorf("distance not symmetric: %f vs %f", d1, d2)
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	origin := Point{Lat: 52.52, Lon: 13.405}
	for _, brng := range []float64{0, 45, 90, 180, 270} {
		p := Offset(origin, brng, 2000)
		d := Haversine(origin, p)
		if math.Abs(d-2000) > 0.5 {
			t.Errorf("bearing %v: distance = %f, want 2000", brng, d)
		}
		b := Bearing(origin, p)
		diff := math.Abs(b - brng)
		if diff > 180 {
			diff = 360 - diff
		}
		if diff > 0.1 {
			t.Errorf("bearing %v: got %f", brng, b)
		}
	}
}

func TestCentroidAndSpread(t *testing.T) {
	if c := Centroid(nil); c != (Point{}) {
		t.Errorf("Centroid(nil) = %v, want zero", c)
	}
	origin := Point{Lat: 40.0, Lon: -74.0}
	points := []Point{
		Offset(origin, 0, 10),
		Offset(origin, 180, 10),
	}
	c := Centroid(points)
	if d := Haversine(c, origin); d > 0.1 {
		t.Errorf("centroid %v is %f m from origin", c, d)
	}
	if s := Spread(points); math.Abs(s-10) > 0.1 {
		t.Errorf("Spread = %f, want ~10", s)
	}
	if MaxDistanceFrom(origin, nil) != 0 {
		t.Error("MaxDistanceFrom with no points should be 0")
	}
}
