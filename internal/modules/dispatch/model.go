// README: Dispatch commands, quotes and the collaborators the engine depends on.
package dispatch

import (
	"context"
	"errors"

	"ridecore/internal/maps"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/geoindex"
	"ridecore/internal/types"
)

var ErrNoDriverAvailable = errors.New("no driver available")

// CancelReasonNoDriver is recorded on pending bookings that time out.
const CancelReasonNoDriver = "no_driver_timeout"

type Router interface {
	GetRoute(ctx context.Context, pickup, dropoff types.Point) (maps.Route, error)
}

type Estimator interface {
	Estimate(ctx context.Context, distanceKm float64, class types.VehicleClass) (types.Money, error)
}

type Locator interface {
	Query(q geoindex.Query) []geoindex.Candidate
	Claim(driverID, bookingID types.ID) bool
	Release(driverID, bookingID types.ID) bool
}

type Bookings interface {
	Create(ctx context.Context, cmd booking.CreateCommand) (*booking.Booking, error)
	Transition(ctx context.Context, cmd booking.TransitionCommand) (*booking.Booking, error)
	ListPending(ctx context.Context) ([]*booking.Booking, error)
}

type RequestCommand struct {
	CustomerID types.ID
	Pickup     types.Point
	Dropoff    types.Point
	Class      types.VehicleClass
}

type Quote struct {
	Price          types.Money            `json:"price"`
	DistanceKm     float64                `json:"distanceKm"`
	DistanceSource booking.DistanceSource `json:"distanceSource"`
	DurationText   string                 `json:"durationText,omitempty"`
	VehicleClass   types.VehicleClass     `json:"vehicleClass"`
}
