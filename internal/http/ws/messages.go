// README: Inbound websocket commands and their ack/error replies.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ridecore/internal/http/handlers"
	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/dispatch"
	"ridecore/internal/modules/eventbus"
	"ridecore/internal/modules/location"
	"ridecore/internal/types"
)

const (
	typeAuthenticated    = "authenticated"
	typeAck              = "ack"
	typeError            = "error"
	typeDriverLocation   = eventbus.TypeDriverLocation
	typeBookingRequest   = "bookingRequest"
	typeBookingStatus    = eventbus.TypeBookingStatusUpdate
	typeSubscribeBooking = "subscribeBooking"
)

var (
	errClientClosed = errors.New("client closed")
	errWrongRole    = errors.New("command not allowed for role")
	errUnknownType  = errors.New("unknown message type")
	errBadMessage   = errors.New("malformed message")
)

type inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type driverLocationMsg struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Available *bool      `json:"available"`
	At        *time.Time `json:"at"`
}

type bookingRequestMsg struct {
	Pickup       *types.Point `json:"pickup"`
	Dropoff      *types.Point `json:"dropoff"`
	VehicleClass string       `json:"vehicleClass"`
}

type bookingStatusMsg struct {
	BookingID types.ID `json:"bookingId"`
	Status    string   `json:"status"`
	Reason    string   `json:"reason"`
}

type subscribeBookingMsg struct {
	BookingID types.ID `json:"bookingId"`
}

func (c *Client) handle(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.replyError(msg, fmt.Errorf("%w: %v", errBadMessage, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch msg.Type {
	case typeDriverLocation:
		result, err = c.driverLocation(ctx, msg.Data)
	case typeBookingRequest:
		result, err = c.bookingRequest(ctx, msg.Data)
	case typeBookingStatus:
		result, err = c.bookingStatus(ctx, msg.Data)
	case typeSubscribeBooking:
		result, err = c.subscribeBooking(ctx, msg.Data)
	default:
		err = fmt.Errorf("%w: %q", errUnknownType, msg.Type)
	}
	if err != nil {
		c.replyError(msg, err)
		return
	}
	c.reply(outbound{Type: typeAck, Data: map[string]any{
		"requestType": msg.Type,
		"requestId":   msg.RequestID,
		"result":      result,
	}})
}

func (c *Client) replyError(msg inbound, err error) {
	code := handlers.StatusFor(err)
	text := err.Error()
	switch {
	case errors.Is(err, errBadMessage), errors.Is(err, errUnknownType):
		code = http.StatusBadRequest
	case errors.Is(err, errWrongRole):
		code = http.StatusForbidden
	case code == http.StatusInternalServerError:
		c.hub.log.Error("websocket command failed", "client_id", c.ID, "type", msg.Type, "error", err)
		text = "internal error"
	}
	c.reply(outbound{Type: typeError, Data: map[string]any{
		"requestType": msg.Type,
		"requestId":   msg.RequestID,
		"code":        code,
		"error":       text,
	}})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errBadMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}
	return nil
}

func (c *Client) driverLocation(ctx context.Context, data json.RawMessage) (any, error) {
	if c.Role != middleware.RoleDriver {
		return nil, errWrongRole
	}
	var m driverLocationMsg
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	if m.Lat == nil || m.Lng == nil {
		return nil, fmt.Errorf("%w: lat and lng are required", errBadMessage)
	}
	cmd := location.ReportCommand{
		DriverID:  c.UserID,
		Point:     types.Point{Lat: *m.Lat, Lng: *m.Lng},
		Available: m.Available,
	}
	if m.At != nil {
		cmd.At = *m.At
	}
	return c.hub.location.ReportLocation(ctx, cmd)
}

func (c *Client) bookingRequest(ctx context.Context, data json.RawMessage) (any, error) {
	if c.Role != middleware.RoleCustomer {
		return nil, errWrongRole
	}
	var m bookingRequestMsg
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	if m.Pickup == nil || m.Dropoff == nil {
		return nil, fmt.Errorf("%w: pickup and dropoff are required", errBadMessage)
	}
	b, err := c.hub.dispatch.RequestBooking(ctx, dispatch.RequestCommand{
		CustomerID: c.UserID,
		Pickup:     *m.Pickup,
		Dropoff:    *m.Dropoff,
		Class:      types.VehicleClass(strings.ToLower(strings.TrimSpace(m.VehicleClass))),
	})
	if err != nil {
		return nil, err
	}
	c.follow(b.ID)
	return b, nil
}

func (c *Client) bookingStatus(ctx context.Context, data json.RawMessage) (any, error) {
	var m bookingStatusMsg
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	to, ok := booking.ParseStatus(m.Status)
	if !ok || m.BookingID == "" {
		return nil, fmt.Errorf("%w: bookingId and a known status are required", errBadMessage)
	}
	cmd := booking.TransitionCommand{
		BookingID: m.BookingID,
		To:        to,
		Actor:     booking.Actor{Type: booking.ActorCustomer, ID: c.UserID},
		Reason:    strings.TrimSpace(m.Reason),
	}
	if c.Role == middleware.RoleDriver {
		cmd.Actor.Type = booking.ActorDriver
		cmd.DriverID = c.UserID
	}
	b, err := c.hub.bookings.Transition(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if booking.IsActive(b.Status) {
		c.follow(b.ID)
	}
	return b, nil
}

func (c *Client) subscribeBooking(ctx context.Context, data json.RawMessage) (any, error) {
	var m subscribeBookingMsg
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	if m.BookingID == "" {
		return nil, fmt.Errorf("%w: bookingId is required", errBadMessage)
	}
	b, err := c.hub.bookings.Get(ctx, m.BookingID)
	if err != nil {
		return nil, err
	}
	if !b.IsParticipant(c.UserID) {
		return nil, booking.ErrForbidden
	}
	if err := c.subscribe(eventbus.BookingTopics(b.ID)); err != nil {
		return nil, err
	}
	return b, nil
}

// follow subscribes the client to every topic of the booking it just acted on.
func (c *Client) follow(id types.ID) {
	if err := c.subscribe(eventbus.BookingTopics(id)); err != nil && !errors.Is(err, errClientClosed) {
		c.hub.log.Warn("booking subscription failed", "client_id", c.ID, "booking_id", id, "error", err)
	}
}
