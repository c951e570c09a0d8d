package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"

	"ridecore/internal/modules/eventbus"
	"ridecore/internal/types"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*messaging.Message
	got  chan struct{}
}

func (r *recordingSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	r.got <- struct{}{}
	return "msg-1", nil
}

type tokenTable map[types.ID]string

func (t tokenTable) DeviceToken(_ context.Context, id types.ID) (string, error) {
	tok, ok := t[id]
	if !ok {
		return "", errors.New("unknown driver")
	}
	return tok, nil
}

func TestRunPushesRideRequests(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	sender := &recordingSender{got: make(chan struct{}, 4)}
	svc := NewService(bus, sender, tokenTable{"d1": "token-d1", "d2": ""}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// wait for the subscription to exist before publishing
	deadline := time.Now().Add(time.Second)
	for bus.Stats().Subscriptions == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notifier never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	publish := func(driverID types.ID, bookingID types.ID) {
		err := bus.Publish(context.Background(), eventbus.Event{
			Topic: eventbus.DriverRideRequestTopic(driverID),
			Type:  eventbus.TypeNewRideRequest,
			Payload: eventbus.RideRequest{
				BookingID:    bookingID,
				VehicleClass: types.VehicleEconomy,
				Price:        types.Money{Amount: 2000, Currency: "USD"},
				DistanceKm:   10,
			},
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish("d2", "b0") // no token: skipped
	publish("d3", "bx") // lookup error: logged
	publish("d1", "b1")

	select {
	case <-sender.got:
	case <-time.After(time.Second):
		t.Fatal("no push sent")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
	m := sender.sent[0]
	if m.Token != "token-d1" || m.Data["bookingId"] != "b1" || m.Data["price"] != "2000" {
		t.Fatalf("message = %+v", m)
	}
}
