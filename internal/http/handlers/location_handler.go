// README: Driver location report handler.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridecore/internal/modules/location"
	"ridecore/internal/types"
)

type LocationHandler struct {
	location LocationService
}

func NewLocationHandler(svc LocationService) *LocationHandler {
	return &LocationHandler{location: svc}
}

type locationReq struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Available *bool      `json:"available"`
	At        *time.Time `json:"at"`
}

// Update handles PUT /api/drivers/:id/location. Only the driver may report
// their own position.
func (h *LocationHandler) Update(c *gin.Context) {
	id, ok := selfOnly(c)
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	cmd := location.ReportCommand{
		DriverID:  id,
		Point:     types.Point{Lat: *req.Lat, Lng: *req.Lng},
		Available: req.Available,
	}
	if req.At != nil {
		cmd.At = *req.At
	}
	res, err := h.location.ReportLocation(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
