// README: Geographic point in decimal degrees.
package types

import (
	"fmt"
	"math"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a finite coordinate inside the WGS84 ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// LatLng formats p the way the routing API expects ("lat,lng").
func (p Point) LatLng() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}
