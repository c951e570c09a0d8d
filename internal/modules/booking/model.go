// README: Booking aggregate, lifecycle statuses and the transition table.
package booking

import (
	"time"

	"ridecore/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// DistanceSource records where the trip distance used for pricing came from.
type DistanceSource string

const (
	SourceRoute     DistanceSource = "route"
	SourceHaversine DistanceSource = "haversine"
)

type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorDriver   ActorType = "driver"
	ActorSystem   ActorType = "system"
	ActorPayment  ActorType = "payment"
)

type Actor struct {
	Type ActorType
	ID   types.ID
}

var SystemActor = Actor{Type: ActorSystem}

type Booking struct {
	ID             types.ID           `json:"id"`
	CustomerID     types.ID           `json:"customerId"`
	DriverID       *types.ID          `json:"driverId"`
	Pickup         types.Point        `json:"pickup"`
	Dropoff        types.Point        `json:"dropoff"`
	VehicleClass   types.VehicleClass `json:"vehicleClass"`
	Status         Status             `json:"status"`
	StatusVersion  int                `json:"version"`
	Price          types.Money        `json:"price"`
	DistanceKm     float64            `json:"distanceKm"`
	DistanceSource DistanceSource     `json:"distanceSource"`
	DurationText   string             `json:"durationText,omitempty"`
	PaymentStatus  PaymentStatus      `json:"paymentStatus"`
	Rating         *int               `json:"rating,omitempty"`
	Feedback       *string            `json:"feedback,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	AcceptedAt     *time.Time         `json:"acceptedAt,omitempty"`
	StartedAt      *time.Time         `json:"startedAt,omitempty"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	CancelledAt    *time.Time         `json:"cancelledAt,omitempty"`
	CancelReason   *string            `json:"cancelReason,omitempty"`
}

// Driver returns the assigned driver or an empty ID.
func (b *Booking) Driver() types.ID {
	if b.DriverID == nil {
		return ""
	}
	return *b.DriverID
}

// IsParticipant reports whether id is the booking's customer or driver.
func (b *Booking) IsParticipant(id types.ID) bool {
	return id != "" && (id == b.CustomerID || id == b.Driver())
}

type Event struct {
	ID         int64
	BookingID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  ActorType
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the booking state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether a booking in s holds a driver.
func IsActive(s Status) bool {
	return s == StatusAccepted || s == StatusInProgress
}

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusRequested, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return st, true
	}
	return "", false
}
