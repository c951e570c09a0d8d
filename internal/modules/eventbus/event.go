// README: Event envelope and the payloads exchanged between modules and clients.
package eventbus

import (
	"time"

	"ridecore/internal/types"
)

// Event types as seen by clients.
const (
	TypeBookingStatusUpdate = "bookingStatusUpdate"
	TypeDriverLocation      = "driverLocation"
	TypeNewRideRequest      = "newRideRequest"
)

type Event struct {
	Topic       Topic     `json:"topic"`
	Type        string    `json:"type"`
	Payload     any       `json:"data"`
	PublishedAt time.Time `json:"publishedAt"`
}

type StatusUpdate struct {
	BookingID     types.ID  `json:"bookingId"`
	CustomerID    types.ID  `json:"customerId"`
	DriverID      types.ID  `json:"driverId,omitempty"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	Version       int       `json:"version"`
	At            time.Time `json:"at"`
}

type DriverLocation struct {
	BookingID types.ID    `json:"bookingId"`
	DriverID  types.ID    `json:"driverId"`
	Location  types.Point `json:"location"`
	At        time.Time   `json:"at"`
}

type RideRequest struct {
	BookingID    types.ID           `json:"bookingId"`
	CustomerID   types.ID           `json:"customerId"`
	Pickup       types.Point        `json:"pickup"`
	Dropoff      types.Point        `json:"dropoff"`
	VehicleClass types.VehicleClass `json:"vehicleClass"`
	Price        types.Money        `json:"price"`
	DistanceKm   float64            `json:"distanceKm"`
	DurationText string             `json:"durationText,omitempty"`
}
