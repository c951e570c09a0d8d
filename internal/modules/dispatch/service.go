// README: Dispatch engine: routes and prices a trip, then claims the nearest free driver.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/eventbus"
	"ridecore/internal/modules/geoindex"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

const (
	defaultCandidateCount = 5
	defaultRadiusKm       = 10.0
	defaultRouteTimeout   = 2 * time.Second
	defaultRetryInterval  = 3 * time.Second
)

type Service struct {
	router   Router
	pricing  Estimator
	locator  Locator
	bookings Bookings
	bus      eventbus.Publisher
	cfg      config.DispatchConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the engine. router may be nil, in which case every trip is
// priced on the haversine distance.
func NewService(router Router, pricing Estimator, locator Locator, bookings Bookings, bus eventbus.Publisher, cfg config.DispatchConfig, logger *slog.Logger) *Service {
	if cfg.CandidateCount <= 0 {
		cfg.CandidateCount = defaultCandidateCount
	}
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = defaultRadiusKm
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = defaultRouteTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		router:   router,
		pricing:  pricing,
		locator:  locator,
		bookings: bookings,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
	}
}

// Quote prices a trip without touching the driver pool.
func (s *Service) Quote(ctx context.Context, pickup, dropoff types.Point, class types.VehicleClass) (Quote, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return Quote{}, fmt.Errorf("%w: invalid coordinates", booking.ErrBadRequest)
	}
	if class == "" {
		class = types.VehicleEconomy
	}
	if !class.Valid() {
		return Quote{}, fmt.Errorf("%w: %v", booking.ErrBadRequest, types.ErrUnknownVehicleClass)
	}

	q := Quote{VehicleClass: class}
	q.DistanceKm, q.DistanceSource, q.DurationText = s.distance(ctx, pickup, dropoff)
	price, err := s.pricing.Estimate(ctx, q.DistanceKm, class)
	if err != nil {
		if errors.Is(err, pricing.ErrUnknownVehicleClass) || errors.Is(err, pricing.ErrInvalidDistance) {
			return Quote{}, fmt.Errorf("%w: %v", booking.ErrBadRequest, err)
		}
		return Quote{}, err
	}
	q.Price = price
	return q, nil
}

// RequestBooking creates a booking with the nearest claimable driver. With no
// claimable candidate it returns ErrNoDriverAvailable, unless the pending
// policy is on, in which case the booking is created without a driver.
func (s *Service) RequestBooking(ctx context.Context, cmd RequestCommand) (*booking.Booking, error) {
	if cmd.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer required", booking.ErrBadRequest)
	}
	quote, err := s.Quote(ctx, cmd.Pickup, cmd.Dropoff, cmd.Class)
	if err != nil {
		return nil, err
	}
	create := booking.CreateCommand{
		ID:           types.NewID(),
		CustomerID:   cmd.CustomerID,
		Pickup:       cmd.Pickup,
		Dropoff:      cmd.Dropoff,
		Class:        quote.VehicleClass,
		Price:        quote.Price,
		DistanceKm:   quote.DistanceKm,
		Source:       quote.DistanceSource,
		DurationText: quote.DurationText,
	}

	candidates := s.locator.Query(geoindex.Query{
		Center:       cmd.Pickup,
		Class:        quote.VehicleClass,
		RadiusMeters: s.cfg.RadiusKm * 1000,
		Limit:        s.cfg.CandidateCount,
	})
	for _, c := range candidates {
		if !s.locator.Claim(c.DriverID, create.ID) {
			continue
		}
		create.DriverID = c.DriverID
		b, err := s.bookings.Create(ctx, create)
		if err != nil {
			s.locator.Release(c.DriverID, create.ID)
			return nil, err
		}
		s.offer(ctx, b)
		s.logger.Info("booking dispatched",
			"booking_id", b.ID,
			"driver_id", c.DriverID,
			"distance_km", c.DistanceKm,
			"candidates", len(candidates),
		)
		return b, nil
	}

	if !s.cfg.PendingOnNoDriver {
		s.logger.Info("no driver available", "customer_id", cmd.CustomerID, "candidates", len(candidates))
		return nil, ErrNoDriverAvailable
	}
	b, err := s.bookings.Create(ctx, create)
	if err != nil {
		return nil, err
	}
	s.logger.Info("booking pending", "booking_id", b.ID, "candidates", len(candidates))
	return b, nil
}

// RunScheduler retries pending bookings until ctx is cancelled. It is a no-op
// unless the pending policy is on.
func (s *Service) RunScheduler(ctx context.Context) {
	if !s.cfg.PendingOnNoDriver {
		return
	}
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.matchPending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("pending match pass failed", "error", err)
			}
		}
	}
}

// matchPending runs one pass over requested bookings.
func (s *Service) matchPending(ctx context.Context) error {
	pending, err := s.bookings.ListPending(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, b := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.cfg.PendingTimeout > 0 && now.Sub(b.CreatedAt) > s.cfg.PendingTimeout {
			s.expire(ctx, b)
			continue
		}
		s.assign(ctx, b)
	}
	return nil
}

func (s *Service) assign(ctx context.Context, b *booking.Booking) {
	candidates := s.locator.Query(geoindex.Query{
		Center:       b.Pickup,
		Class:        b.VehicleClass,
		RadiusMeters: s.cfg.RadiusKm * 1000,
		Limit:        s.cfg.CandidateCount,
	})
	for _, c := range candidates {
		accepted, err := s.bookings.Transition(ctx, booking.TransitionCommand{
			BookingID: b.ID,
			To:        booking.StatusAccepted,
			Actor:     booking.SystemActor,
			DriverID:  c.DriverID,
		})
		switch {
		case err == nil:
			s.offer(ctx, accepted)
			s.logger.Info("pending booking assigned", "booking_id", b.ID, "driver_id", c.DriverID)
			return
		case errors.Is(err, booking.ErrDriverUnavailable):
			continue
		default:
			// booking moved on (cancelled, accepted by a driver) or the store failed
			if !errors.Is(err, booking.ErrInvalidTransition) && !errors.Is(err, booking.ErrConflict) {
				s.logger.Warn("pending assignment failed", "booking_id", b.ID, "error", err)
			}
			return
		}
	}
}

func (s *Service) expire(ctx context.Context, b *booking.Booking) {
	_, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: b.ID,
		To:        booking.StatusCancelled,
		Actor:     booking.SystemActor,
		Reason:    CancelReasonNoDriver,
	})
	if err != nil && !errors.Is(err, booking.ErrInvalidTransition) && !errors.Is(err, booking.ErrConflict) {
		s.logger.Warn("expire pending booking failed", "booking_id", b.ID, "error", err)
		return
	}
	if err == nil {
		s.logger.Info("pending booking expired", "booking_id", b.ID)
	}
}

// distance asks the router under RouteTimeout and falls back to haversine.
func (s *Service) distance(ctx context.Context, pickup, dropoff types.Point) (float64, booking.DistanceSource, string) {
	if s.router != nil {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RouteTimeout)
		route, err := s.router.GetRoute(rctx, pickup, dropoff)
		cancel()
		if err == nil && route.DistanceKm >= 0 && !math.IsNaN(route.DistanceKm) {
			return route.DistanceKm, booking.SourceRoute, route.DurationText
		}
		s.logger.Warn("routing failed, using haversine distance", "error", err)
	}
	return geoindex.DistanceKm(pickup, dropoff), booking.SourceHaversine, ""
}

// offer pushes the ride request to the assigned driver.
func (s *Service) offer(ctx context.Context, b *booking.Booking) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(context.WithoutCancel(ctx), eventbus.Event{
		Topic: eventbus.DriverRideRequestTopic(b.Driver()),
		Type:  eventbus.TypeNewRideRequest,
		Payload: eventbus.RideRequest{
			BookingID:    b.ID,
			CustomerID:   b.CustomerID,
			Pickup:       b.Pickup,
			Dropoff:      b.Dropoff,
			VehicleClass: b.VehicleClass,
			Price:        b.Price,
			DistanceKm:   b.DistanceKm,
			DurationText: b.DurationText,
		},
	})
	if err != nil {
		s.logger.Warn("publish ride request failed", "booking_id", b.ID, "error", err)
	}
}
