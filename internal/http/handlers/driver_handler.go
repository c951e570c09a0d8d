// README: Driver handlers: register, deregister, availability, nearby search.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/location"
	"ridecore/internal/types"
)

const (
	defaultNearbyRadiusKm = 5.0
	defaultNearbyLimit    = 5
	maxNearbyLimit        = 50
)

type DriverHandler struct {
	location LocationService
}

func NewDriverHandler(svc LocationService) *DriverHandler {
	return &DriverHandler{location: svc}
}

type registerReq struct {
	VehicleClass string   `json:"vehicleClass"`
	Rating       *float64 `json:"rating"`
	DeviceToken  string   `json:"deviceToken"`
}

// Register handles POST /api/drivers; drivers register themselves.
func (h *DriverHandler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	d, err := h.location.Register(c.Request.Context(), location.RegisterCommand{
		DriverID:    types.ID(middleware.CallerUID(c)),
		Class:       types.VehicleClass(strings.ToLower(strings.TrimSpace(req.VehicleClass))),
		Rating:      req.Rating,
		DeviceToken: strings.TrimSpace(req.DeviceToken),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, map[string]any{
		"driverId":     d.ID,
		"vehicleClass": d.Class,
		"rating":       d.Rating,
	})
}

// Deregister handles DELETE /api/drivers/:id.
func (h *DriverHandler) Deregister(c *gin.Context) {
	id, ok := selfOnly(c)
	if !ok {
		return
	}
	if err := h.location.Deregister(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type availabilityReq struct {
	Available *bool `json:"available"`
}

// Availability handles PUT /api/drivers/:id/availability.
func (h *DriverHandler) Availability(c *gin.Context) {
	id, ok := selfOnly(c)
	if !ok {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		writeError(c, http.StatusBadRequest, "available is required")
		return
	}
	if err := h.location.SetAvailability(c.Request.Context(), id, *req.Available); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driverId": id, "available": *req.Available})
}

// Nearby handles GET /api/drivers/nearby?lat=&lng=&vehicleClass=&radiusKm=&limit=.
func (h *DriverHandler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radiusKm := defaultNearbyRadiusKm
	if v := c.Query("radiusKm"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			writeError(c, http.StatusBadRequest, "invalid radiusKm")
			return
		}
		radiusKm = r
	}
	limit := defaultNearbyLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxNearbyLimit)
	}

	drivers, err := h.location.Nearby(c.Request.Context(), location.NearbyQuery{
		Center:       types.Point{Lat: lat, Lng: lng},
		Class:        types.VehicleClass(strings.ToLower(c.Query("vehicleClass"))),
		RadiusMeters: radiusKm * 1000,
		Limit:        limit,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if drivers == nil {
		drivers = []location.NearbyDriver{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"drivers": drivers})
}
