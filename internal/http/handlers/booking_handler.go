// README: Booking handlers: create via dispatch, get, status updates, rating.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/dispatch"
	"ridecore/internal/types"
)

type BookingHandler struct {
	dispatch DispatchService
	bookings BookingService
}

func NewBookingHandler(dispatchSvc DispatchService, bookingSvc BookingService) *BookingHandler {
	return &BookingHandler{dispatch: dispatchSvc, bookings: bookingSvc}
}

type tripReq struct {
	Pickup       *types.Point `json:"pickup"`
	Dropoff      *types.Point `json:"dropoff"`
	VehicleClass string       `json:"vehicleClass"`
}

func (r tripReq) validate() (types.VehicleClass, string) {
	if r.Pickup == nil || r.Dropoff == nil {
		return "", "pickup and dropoff are required"
	}
	class := types.VehicleClass(strings.ToLower(strings.TrimSpace(r.VehicleClass)))
	return class, ""
}

// Create handles POST /api/bookings. The caller is the customer.
func (h *BookingHandler) Create(c *gin.Context) {
	if middleware.CallerRole(c) != middleware.RoleCustomer {
		writeError(c, http.StatusForbidden, "forbidden: customer role required")
		return
	}
	var req tripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	class, msg := req.validate()
	if msg != "" {
		writeError(c, http.StatusBadRequest, msg)
		return
	}
	b, err := h.dispatch.RequestBooking(c.Request.Context(), dispatch.RequestCommand{
		CustomerID: types.ID(middleware.CallerUID(c)),
		Pickup:     *req.Pickup,
		Dropoff:    *req.Dropoff,
		Class:      class,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, b)
}

// Get handles GET /api/bookings/:id for the booking's customer or driver.
func (h *BookingHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return
	}
	b, err := h.bookings.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !b.IsParticipant(types.ID(middleware.CallerUID(c))) {
		writeError(c, http.StatusForbidden, booking.ErrForbidden.Error())
		return
	}
	writeJSON(c, http.StatusOK, b)
}

type statusReq struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// UpdateStatus handles PATCH /api/bookings/:id/status.
func (h *BookingHandler) UpdateStatus(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	to, ok := booking.ParseStatus(req.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "unknown status")
		return
	}
	actor := callerActor(c)
	cmd := booking.TransitionCommand{
		BookingID: types.ID(id),
		To:        to,
		Actor:     actor,
		Reason:    strings.TrimSpace(req.Reason),
	}
	if actor.Type == booking.ActorDriver {
		cmd.DriverID = actor.ID
	}
	b, err := h.bookings.Transition(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

type rateReq struct {
	Rating   *int   `json:"rating"`
	Feedback string `json:"feedback"`
}

// Rate handles POST /api/bookings/:id/rating.
func (h *BookingHandler) Rate(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return
	}
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Rating == nil {
		writeError(c, http.StatusBadRequest, "rating is required")
		return
	}
	b, err := h.bookings.Rate(c.Request.Context(), booking.RateCommand{
		BookingID:  types.ID(id),
		CustomerID: types.ID(middleware.CallerUID(c)),
		Rating:     *req.Rating,
		Feedback:   strings.TrimSpace(req.Feedback),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}
