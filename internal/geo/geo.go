package geo

import (
	"math"

	"github.com/example/carpool/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over Coord values.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// RouteKm returns the length of a ride's polyline in kilometres, falling
// back to the straight start-to-end distance when no polyline was
// recorded.
func RouteKm(route []models.Coord, start, end models.Coord) float64 {
	if len(route) < 2 {
		return Distance(start, end) / 1000
	}
	var meters float64
	for i := 1; i < len(route); i++ {
		meters += Distance(route[i-1], route[i])
	}
	return meters / 1000
}
