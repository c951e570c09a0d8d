// README: Payment provider webhook endpoint. Authenticated by signature, not bearer token.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	SignatureHeader = "Stripe-Signature"
	maxWebhookBody  = 64 << 10
)

type PaymentHandler struct {
	payment PaymentService
}

func NewPaymentHandler(svc PaymentService) *PaymentHandler {
	return &PaymentHandler{payment: svc}
}

// Webhook handles POST /api/payments/webhook.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		writeError(c, http.StatusBadRequest, "unreadable body")
		return
	}
	res, err := h.payment.HandleWebhook(c.Request.Context(), body, c.GetHeader(SignatureHeader))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
