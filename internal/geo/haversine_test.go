package geo

import (
	"math"
	"testing"

	"bustrack/internal/model"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineMeters(12.9, 77.49, 12.9, 77.49); d != 0 {
		t.Fatalf("want 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := HaversineMeters(0, 0, 1, 0)
	// one degree of arc on a 6371 km sphere
	want := 2 * math.Pi * EarthRadiusM / 360
	if math.Abs(d-want) > 1 {
		t.Fatalf("want ~%f, got %f", want, d)
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	campus := model.GeoPoint{Lat: 12.9003207224315, Lng: 77.49589092463299}
	for _, m := range []float64{25, 290, 480, 550} {
		p := Offset(campus, m, 0)
		if d := Distance(campus, p); math.Abs(d-m) > 0.5 {
			t.Fatalf("offset %fm north: distance %f", m, d)
		}
		p = Offset(campus, 0, m)
		if d := Distance(campus, p); math.Abs(d-m) > 0.5 {
			t.Fatalf("offset %fm east: distance %f", m, d)
		}
	}
}
