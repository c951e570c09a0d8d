// README: Base handler utilities (JSON helpers, service interfaces, error mapping).
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/dispatch"
	"ridecore/internal/modules/location"
	"ridecore/internal/modules/payment"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

type BookingService interface {
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
	Transition(ctx context.Context, cmd booking.TransitionCommand) (*booking.Booking, error)
	Rate(ctx context.Context, cmd booking.RateCommand) (*booking.Booking, error)
}

type DispatchService interface {
	Quote(ctx context.Context, pickup, dropoff types.Point, class types.VehicleClass) (dispatch.Quote, error)
	RequestBooking(ctx context.Context, cmd dispatch.RequestCommand) (*booking.Booking, error)
}

type LocationService interface {
	Register(ctx context.Context, cmd location.RegisterCommand) (*location.DriverRecord, error)
	Deregister(ctx context.Context, driverID types.ID) error
	ReportLocation(ctx context.Context, cmd location.ReportCommand) (location.ReportResult, error)
	SetAvailability(ctx context.Context, driverID types.ID, available bool) error
	Nearby(ctx context.Context, q location.NearbyQuery) ([]location.NearbyDriver, error)
}

type PaymentService interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) (payment.Result, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuids and provider uids: up to 64 chars of [A-Za-z0-9_-].
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// StatusFor maps service errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrBadRequest),
		errors.Is(err, location.ErrBadRequest),
		errors.Is(err, location.ErrInvalidLocation),
		errors.Is(err, pricing.ErrUnknownVehicleClass),
		errors.Is(err, pricing.ErrInvalidDistance),
		errors.Is(err, types.ErrUnknownVehicleClass),
		errors.Is(err, payment.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, booking.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, location.ErrDriverNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNoDriverAvailable),
		errors.Is(err, booking.ErrInvalidTransition),
		errors.Is(err, booking.ErrConflict),
		errors.Is(err, booking.ErrDriverUnavailable),
		errors.Is(err, booking.ErrActiveBooking),
		errors.Is(err, booking.ErrAlreadyRated),
		errors.Is(err, location.ErrDriverBusy):
		return http.StatusConflict
	case errors.Is(err, payment.ErrRetryLater):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		writeError(c, status, "internal error")
		return
	}
	writeError(c, status, err.Error())
}

// callerActor turns the authenticated caller into a booking actor.
func callerActor(c *gin.Context) booking.Actor {
	uid := types.ID(middleware.CallerUID(c))
	if middleware.CallerRole(c) == middleware.RoleDriver {
		return booking.Actor{Type: booking.ActorDriver, ID: uid}
	}
	return booking.Actor{Type: booking.ActorCustomer, ID: uid}
}

// selfOnly rejects requests whose :id path param is not the caller.
func selfOnly(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return "", false
	}
	return types.ID(id), true
}
