// README: Fare quote handler.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type FareHandler struct {
	dispatch DispatchService
}

func NewFareHandler(dispatchSvc DispatchService) *FareHandler {
	return &FareHandler{dispatch: dispatchSvc}
}

// Quote handles POST /api/fares/quote.
func (h *FareHandler) Quote(c *gin.Context) {
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
	q, err := h.dispatch.Quote(c.Request.Context(), *req.Pickup, *req.Dropoff, class)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, q)
}
