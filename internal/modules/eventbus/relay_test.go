package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type recordingChannel struct {
	mu   sync.Mutex
	msgs []amqp.Publishing
	keys []string
}

func (c *recordingChannel) PublishWithContext(_ context.Context, _ string, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestAMQPRelay_ForwardsMatchingEvents(t *testing.T) {
	b := New()
	defer b.Close()
	ch := &recordingChannel{}
	relay := NewAMQPRelay(b, ch, "ridecore.events", nil, "booking.*.status")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	// wait for the relay subscription to be registered
	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Subscriptions == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = b.Publish(ctx, Event{Topic: BookingStatusTopic("b1"), Type: TypeBookingStatusUpdate, Payload: StatusUpdate{BookingID: "b1", Status: "accepted"}})
	_ = b.Publish(ctx, Event{Topic: BookingLocationTopic("b1"), Type: TypeDriverLocation})

	for ch.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("relay did not forward event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("relay returned %v", err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.msgs) != 1 || ch.keys[0] != "booking.b1.status" {
		t.Fatalf("unexpected forwarded messages: keys=%v", ch.keys)
	}
	var decoded struct {
		Type string `json:"type"`
		Data struct {
			BookingID string `json:"bookingId"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(ch.msgs[0].Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Type != TypeBookingStatusUpdate || decoded.Data.Status != "accepted" {
		t.Fatalf("unexpected body: %s", ch.msgs[0].Body)
	}
	if ch.msgs[0].ContentType != "application/json" {
		t.Fatalf("content type = %q", ch.msgs[0].ContentType)
	}
}
