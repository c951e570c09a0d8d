// README: Payment provider webhook: signature check, event decoding, booking payment updates.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"ridecore/internal/modules/booking"
	"ridecore/internal/types"
)

const (
	EventSucceeded = "payment_intent.succeeded"
	EventFailed    = "payment_intent.payment_failed"

	defaultTimeout   = 5 * time.Second
	defaultTolerance = 5 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrRetryLater       = errors.New("payment update not applied, retry later")
)

// Bookings is the booking surface the webhook drives.
type Bookings interface {
	CompletePayment(ctx context.Context, bookingID types.ID) (*booking.Booking, error)
	FailPayment(ctx context.Context, bookingID types.ID) (*booking.Booking, error)
}

// intentBookingID reads metadata.bookingId from the payment intent carried by e.
func intentBookingID(e stripe.Event) (types.ID, error) {
	if e.Data == nil {
		return "", fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(e.Data.Raw, &intent); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	id := types.ID(intent.Metadata["bookingId"])
	if id == "" {
		return "", fmt.Errorf("%w: missing metadata.bookingId", ErrInvalidPayload)
	}
	return id, nil
}

type Result struct {
	Received  bool     `json:"received"`
	Handled   bool     `json:"handled"`
	BookingID types.ID `json:"bookingId,omitempty"`
}

type Service struct {
	bookings  Bookings
	secret    string
	timeout   time.Duration
	tolerance time.Duration
	logger    *slog.Logger
}

func NewService(bookings Bookings, secret string, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bookings:  bookings,
		secret:    secret,
		timeout:   timeout,
		tolerance: defaultTolerance,
		logger:    logger.With("component", "payment"),
	}
}

// HandleWebhook verifies and applies one provider event. Unknown event types
// are acknowledged without side effects.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (Result, error) {
	e, err := s.construct(body, signature)
	if err != nil {
		return Result{}, err
	}

	var apply func(context.Context, types.ID) (*booking.Booking, error)
	switch string(e.Type) {
	case EventSucceeded:
		apply = s.bookings.CompletePayment
	case EventFailed:
		apply = s.bookings.FailPayment
	default:
		s.logger.Info("ignoring webhook event", "event_id", e.ID, "type", e.Type)
		return Result{Received: true}, nil
	}

	bookingID, err := intentBookingID(e)
	if err != nil {
		return Result{}, err
	}

	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := apply(actx, bookingID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, booking.ErrConflict) {
			s.logger.Warn("payment update deferred", "event_id", e.ID, "booking_id", bookingID, "error", err)
			return Result{}, fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		return Result{}, err
	}
	s.logger.Info("payment event applied", "event_id", e.ID, "type", e.Type, "booking_id", bookingID)
	return Result{Received: true, Handled: true, BookingID: bookingID}, nil
}

// Sign produces a Stripe-Signature header value for body signed at t.
func (s *Service) Sign(body []byte, t time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    s.secret,
		Timestamp: t,
	})
	return signed.Header
}

func (s *Service) construct(body []byte, header string) (stripe.Event, error) {
	if s.secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	e, err := webhook.ConstructEventWithOptions(body, header, s.secret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return e, nil
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
}
