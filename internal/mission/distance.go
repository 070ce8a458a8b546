package mission

import "math"

const earthRadiusMeters = 6371000.0

// maxFixAccuracy is the worst horizontal accuracy a fix may have to count.
const maxFixAccuracy = 50.0

// haversine returns the great-circle distance between two fixes in meters.
func haversine(a, b Fix) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

func usableFix(f Fix) bool {
	return f.Accuracy >= 0 && f.Accuracy <= maxFixAccuracy &&
		f.Lat >= -90 && f.Lat <= 90 && f.Lon >= -180 && f.Lon <= 180
}
