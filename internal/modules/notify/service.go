// README: Pushes ride requests to driver devices through Firebase Cloud Messaging.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"

	"ridecore/internal/modules/eventbus"
	"ridecore/internal/types"
)

const sendTimeout = 5 * time.Second

// rideRequestPattern matches every driver's ride request topic.
const rideRequestPattern eventbus.Topic = "driver.*.ride_request"

// Sender is the subset of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Tokens resolves a driver's device token. An empty token means the driver
// has no registered device.
type Tokens interface {
	DeviceToken(ctx context.Context, driverID types.ID) (string, error)
}

type Service struct {
	bus    *eventbus.Bus
	sender Sender
	tokens Tokens
	logger *slog.Logger
}

func NewService(bus *eventbus.Bus, sender Sender, tokens Tokens, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{bus: bus, sender: sender, tokens: tokens, logger: logger.With("component", "notify")}
}

// Run forwards ride requests until ctx is cancelled or the bus closes.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe("fcm-notifier", rideRequestPattern)
	if err != nil {
		return fmt.Errorf("notify subscribe: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil && !errors.Is(err, eventbus.ErrSubscriptionEnd) {
					return err
				}
				return nil
			}
			if err := s.handle(ctx, e); err != nil {
				s.logger.Warn("push notification failed", "topic", string(e.Topic), "error", err)
			}
		}
	}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) error {
	req, ok := e.Payload.(eventbus.RideRequest)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	segs := e.Topic.Segments()
	if len(segs) != 3 {
		return fmt.Errorf("unexpected topic %q", e.Topic)
	}
	driverID := types.ID(segs[1])

	token, err := s.tokens.DeviceToken(ctx, driverID)
	if err != nil {
		return fmt.Errorf("device token for %s: %w", driverID, err)
	}
	if token == "" {
		s.logger.Info("driver has no device token, skipping push", "driver_id", driverID)
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	id, err := s.sender.Send(sctx, rideRequestMessage(token, req))
	if err != nil {
		return err
	}
	s.logger.Info("ride request pushed", "driver_id", driverID, "booking_id", req.BookingID, "message_id", id)
	return nil
}

func rideRequestMessage(token string, req eventbus.RideRequest) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("%.1f km trip, %s", req.DistanceKm, req.Price),
		},
		Data: map[string]string{
			"type":         eventbus.TypeNewRideRequest,
			"bookingId":    string(req.BookingID),
			"vehicleClass": string(req.VehicleClass),
			"pickupLat":    strconv.FormatFloat(req.Pickup.Lat, 'f', 6, 64),
			"pickupLng":    strconv.FormatFloat(req.Pickup.Lng, 'f', 6, 64),
			"price":        strconv.FormatInt(req.Price.Amount, 10),
			"currency":     req.Price.Currency,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
}
