// README: Driver records, position snapshots and the presence commands.
package location

import (
	"errors"
	"time"

	"ridecore/internal/types"
)

var (
	ErrDriverNotFound  = errors.New("driver not registered")
	ErrDriverBusy      = errors.New("driver has an active booking")
	ErrInvalidLocation = errors.New("invalid location")
	ErrBadRequest      = errors.New("bad request")
)

const defaultRating = 5.0

// DriverRecord is the persisted registration of a driver.
type DriverRecord struct {
	ID          types.ID
	Class       types.VehicleClass
	Rating      float64
	DeviceToken string
	CreatedAt   time.Time
}

// Snapshot is a throttled copy of a driver position kept for replay.
type Snapshot struct {
	ID         int64
	DriverID   types.ID
	Position   types.Point
	Online     bool
	ReportedAt time.Time
}

// Position is the live state mirrored to Redis.
type Position struct {
	DriverID types.ID
	Point    types.Point
	Class    types.VehicleClass
	Online   bool
	Rating   float64
	At       time.Time
}

type RegisterCommand struct {
	DriverID    types.ID
	Class       types.VehicleClass
	Rating      *float64
	DeviceToken string
}

type ReportCommand struct {
	DriverID types.ID
	Point    types.Point
	// Available optionally toggles availability together with the position.
	Available *bool
	At        time.Time
}

type ReportResult struct {
	Accepted  bool     `json:"accepted"`
	BookingID types.ID `json:"bookingId,omitempty"`
}

type NearbyQuery struct {
	Center       types.Point
	Class        types.VehicleClass
	RadiusMeters float64
	Limit        int
}

type NearbyDriver struct {
	DriverID   types.ID           `json:"driverId"`
	Class      types.VehicleClass `json:"vehicleClass"`
	Location   types.Point        `json:"location"`
	DistanceKm float64            `json:"distanceKm"`
	Rating     float64            `json:"rating"`
}
