package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0088

// Distance returns the great-circle distance between two points in kilometers.
// known is false when either point is missing or out of range; an unknown
// distance must be left out of distance-based ranking, never read as 0 or +Inf.
func Distance(p1, p2 *Point) (km float64, known bool) {
	if !p1.Valid() || !p2.Valid() {
		return 0, false
	}

	lat1 := toRadians(p1.Lat)
	lat2 := toRadians(p2.Lat)
	dLat := lat2 - lat1
	dLon := toRadians(p2.Lon - p1.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// Clamp to [0, 1] to handle floating point errors near antipodes.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h)), true
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
