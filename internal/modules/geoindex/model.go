// README: GeoIndex driver records, queries and candidates.
package geoindex

import (
	"errors"
	"time"

	"ridecore/internal/types"
)

// Technique selects the spatial pre-filter used by the index.
type Technique string

const (
	TechniqueGeohash Technique = "geohash"
	TechniqueRTree   Technique = "rtree"
)

var (
	ErrDriverNotFound = errors.New("driver not found")
	ErrInvalidReport  = errors.New("invalid location report")
	ErrAlreadyClaimed = errors.New("driver claimed by another booking")
)

// Driver is a point-in-time copy of an index entry.
type Driver struct {
	ID         types.ID
	Class      types.VehicleClass
	Location   types.Point
	Located    bool
	Online     bool
	ClaimedBy  types.ID
	Rating     float64
	ReportedAt time.Time
}

// Available reports whether the driver may be offered a new booking.
func (d Driver) Available() bool {
	return d.Online && d.ClaimedBy == ""
}

// Report is a driver position update. Nil Online and Rating keep the stored values.
type Report struct {
	DriverID types.ID
	Location types.Point
	Class    types.VehicleClass
	Online   *bool
	Rating   *float64
	At       time.Time
}

type Query struct {
	Center       types.Point
	Class        types.VehicleClass // empty matches every class
	RadiusMeters float64
	Limit        int // <= 0 means unlimited
}

type Candidate struct {
	DriverID   types.ID
	Class      types.VehicleClass
	Location   types.Point
	DistanceKm float64
	Rating     float64
}
