// Package geo holds great-circle helpers shared by the optimizer and geofence.
package geo

import (
	"math"

	"bustrack/internal/model"
)

// EarthRadiusM is the mean radius of Earth in meters.
const EarthRadiusM = 6371000.0

// HaversineMeters returns the great-circle distance between two coordinates in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Distance is HaversineMeters over GeoPoints.
func Distance(a, b model.GeoPoint) float64 {
	return HaversineMeters(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Offset returns the point reached by moving north/east by the given meters.
// Accurate enough for the short distances used in fixtures and simulations.
func Offset(p model.GeoPoint, northM, eastM float64) model.GeoPoint {
	dLat := northM / EarthRadiusM * 180 / math.Pi
	dLng := eastM / (EarthRadiusM * math.Cos(p.Lat*math.Pi/180)) * 180 / math.Pi
	return model.GeoPoint{Lat: p.Lat + dLat, Lng: p.Lng + dLng}
}
