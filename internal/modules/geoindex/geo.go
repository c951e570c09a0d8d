// README: Pure geographic computation helpers.
package geoindex

import (
	"math"

	"ridecore/internal/types"
)

const (
	earthRadiusKm = 6371.0
	// kmPerDegree is the length of one degree of latitude (and of longitude at the equator).
	kmPerDegree = earthRadiusKm * math.Pi / 180.0
)

// DistanceKm returns the great-circle distance in kilometres between a and b.
func DistanceKm(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// wrapLng normalises a longitude into [-180, 180).
func wrapLng(lng float64) float64 {
	lng = math.Mod(lng+180, 360)
	if lng < 0 {
		lng += 360
	}
	return lng - 180
}

// lngSpanDeg returns the half-width in degrees of longitude that covers radiusKm
// at every latitude between minLat and maxLat. ok is false when the span wraps
// the whole globe.
func lngSpanDeg(minLat, maxLat, radiusKm float64) (span float64, ok bool) {
	worst := math.Max(math.Abs(minLat), math.Abs(maxLat))
	if worst >= 89.9 {
		return 0, false
	}
	span = radiusKm / (kmPerDegree * math.Cos(degreesToRadians(worst)))
	if span >= 180 {
		return 0, false
	}
	return span, true
}
