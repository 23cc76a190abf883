package geo

import "math"

// earthRadius is the mean Earth radius in meters.
const earthRadius = 6371009.0

// maxDistance is half the Earth's circumference; every point lies within it.
const maxDistance = math.Pi * earthRadius

// Distance is the great-circle distance in meters between two points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push a slightly past 1 for antipodal points
	a = math.Max(0, math.Min(1, a))

	return 2 * earthRadius * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
