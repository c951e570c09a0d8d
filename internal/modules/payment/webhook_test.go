package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ridecore/internal/modules/booking"
	"ridecore/internal/types"
)

type fakeBookings struct {
	completed []types.ID
	failed    []types.ID
	err       error
	block     bool
}

func (f *fakeBookings) CompletePayment(ctx context.Context, id types.ID) (*booking.Booking, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	f.completed = append(f.completed, id)
	return &booking.Booking{ID: id}, nil
}

func (f *fakeBookings) FailPayment(_ context.Context, id types.ID) (*booking.Booking, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.failed = append(f.failed, id)
	return &booking.Booking{ID: id}, nil
}

func body(eventType, bookingID string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","type":%q,"data":{"object":{"id":"pi_1","metadata":{"bookingId":%q}}}}`, eventType, bookingID))
}

func TestHandleWebhook(t *testing.T) {
	fb := &fakeBookings{}
	svc := NewService(fb, "whsec", time.Second, nil)
	ctx := context.Background()

	b := body(EventSucceeded, "b1")
	res, err := svc.HandleWebhook(ctx, b, svc.Sign(b, time.Now()))
	if err != nil {
		t.Fatalf("succeeded: %v", err)
	}
	if !res.Handled || res.BookingID != "b1" {
		t.Fatalf("result = %+v", res)
	}

	b = body(EventFailed, "b2")
	if _, err := svc.HandleWebhook(ctx, b, svc.Sign(b, time.Now())); err != nil {
		t.Fatalf("failed: %v", err)
	}

	b = body("charge.refunded", "b3")
	res, err = svc.HandleWebhook(ctx, b, svc.Sign(b, time.Now()))
	if err != nil || !res.Received || res.Handled {
		t.Fatalf("ignored event = %+v, %v", res, err)
	}

	if len(fb.completed) != 1 || fb.completed[0] != "b1" || len(fb.failed) != 1 || fb.failed[0] != "b2" {
		t.Fatalf("calls = %v / %v", fb.completed, fb.failed)
	}
}

func TestHandleWebhookSignature(t *testing.T) {
	svc := NewService(&fakeBookings{}, "whsec", time.Second, nil)
	other := NewService(&fakeBookings{}, "other", time.Second, nil)
	b := body(EventSucceeded, "b1")
	now := time.Now()

	cases := map[string]string{
		"empty":        "",
		"malformed":    "v1=abc",
		"bad ts":       "t=soon,v1=abc",
		"wrong secret": other.Sign(b, now),
		"too old":      svc.Sign(b, now.Add(-10*time.Minute)),
		"tampered":     svc.Sign(body(EventSucceeded, "b2"), now),
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.HandleWebhook(context.Background(), b, sig); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("err = %v, want ErrInvalidSignature", err)
			}
		})
	}

	unset := NewService(&fakeBookings{}, "", time.Second, nil)
	if _, err := unset.HandleWebhook(context.Background(), b, svc.Sign(b, now)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("no secret: %v", err)
	}
}

func TestHandleWebhookErrors(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		fb   *fakeBookings
		body []byte
		want error
	}{
		{"bad json", &fakeBookings{}, []byte("{"), ErrInvalidPayload},
		{"missing booking", &fakeBookings{}, body(EventSucceeded, ""), ErrInvalidPayload},
		{"conflict", &fakeBookings{err: booking.ErrConflict}, body(EventSucceeded, "b1"), ErrRetryLater},
		{"timeout", &fakeBookings{block: true}, body(EventSucceeded, "b1"), ErrRetryLater},
		{"unknown booking", &fakeBookings{err: booking.ErrNotFound}, body(EventFailed, "b1"), booking.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(tc.fb, "whsec", 20*time.Millisecond, nil)
			_, err := svc.HandleWebhook(ctx, tc.body, svc.Sign(tc.body, time.Now()))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestHandleWebhookStripeEnvelope(t *testing.T) {
	fb := &fakeBookings{}
	svc := NewService(fb, "whsec", time.Second, nil)
	payload := []byte(`{
  "id": "evt_3Nx",
  "object": "event",
  "api_version": "2020-08-27",
  "created": 1700000000,
  "livemode": false,
  "type": "payment_intent.succeeded",
  "data": {
    "object": {
      "id": "pi_3Nx",
      "object": "payment_intent",
      "amount": 2000,
      "currency": "usd",
      "status": "succeeded",
      "metadata": {"bookingId": "b_envelope", "customerId": "c1"}
    }
  }
}`)

	res, err := svc.HandleWebhook(context.Background(), payload, svc.Sign(payload, time.Now()))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.BookingID != "b_envelope" || len(fb.completed) != 1 {
		t.Fatalf("result = %+v, completed = %v", res, fb.completed)
	}
}
