// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/handlers"

	apihandlers "ridecore/internal/http/handlers"
	"ridecore/internal/http/middleware"
	"ridecore/internal/http/ws"
	"ridecore/internal/infra"
)

type ServerDeps struct {
	Booking        apihandlers.BookingService
	Dispatch       apihandlers.DispatchService
	Location       apihandlers.LocationService
	Payment        apihandlers.PaymentService
	Hub            *ws.Hub
	Verifier       infra.TokenVerifier
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	return &Server{deps: deps}
}

// Routes builds the gin engine wrapped in CORS handling.
func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(s.deps.Logger), middleware.Logging(s.deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	payments := apihandlers.NewPaymentHandler(s.deps.Payment)
	r.POST("/api/payments/webhook", payments.Webhook)

	if s.deps.Hub != nil {
		r.GET("/ws", gin.WrapF(s.deps.Hub.ServeWS))
	}

	api := r.Group("/api", middleware.Auth(s.deps.Verifier))

	bookings := apihandlers.NewBookingHandler(s.deps.Dispatch, s.deps.Booking)
	api.POST("/bookings", bookings.Create)
	api.GET("/bookings/:id", bookings.Get)
	api.PATCH("/bookings/:id/status", bookings.UpdateStatus)
	api.POST("/bookings/:id/rating", bookings.Rate)

	fares := apihandlers.NewFareHandler(s.deps.Dispatch)
	api.POST("/fares/quote", fares.Quote)

	drivers := apihandlers.NewDriverHandler(s.deps.Location)
	locations := apihandlers.NewLocationHandler(s.deps.Location)
	api.GET("/drivers/nearby", drivers.Nearby)
	driverOnly := api.Group("/drivers", middleware.RequireRole(middleware.RoleDriver))
	driverOnly.POST("", drivers.Register)
	driverOnly.DELETE("/:id", drivers.Deregister)
	driverOnly.PUT("/:id/location", locations.Update)
	driverOnly.PUT("/:id/availability", drivers.Availability)

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.deps.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", apihandlers.SignatureHeader}),
	)
	return cors(r)
}
