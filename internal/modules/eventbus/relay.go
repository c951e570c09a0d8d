// README: Relays bus events to a RabbitMQ topic exchange for downstream consumers.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const relayPublishTimeout = 5 * time.Second

// AMQPChannel is the subset of *amqp.Channel used by the relay.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type AMQPRelay struct {
	bus      *Bus
	ch       AMQPChannel
	exchange string
	patterns []Topic
	logger   *slog.Logger
}

// NewAMQPRelay mirrors events matching patterns; the routing key is the event topic.
func NewAMQPRelay(bus *Bus, ch AMQPChannel, exchange string, logger *slog.Logger, patterns ...Topic) *AMQPRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPRelay{bus: bus, ch: ch, exchange: exchange, patterns: patterns, logger: logger}
}

// Run blocks until ctx is cancelled or the subscription ends.
func (r *AMQPRelay) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe("amqp-relay", r.patterns...)
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil && !errors.Is(err, ErrSubscriptionEnd) {
					return err
				}
				return nil
			}
			if err := r.forward(ctx, e); err != nil {
				r.logger.Error("amqp relay publish failed", "topic", string(e.Topic), "error", err)
			}
		}
	}
}

func (r *AMQPRelay) forward(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()
	return r.ch.PublishWithContext(pubCtx, r.exchange, string(e.Topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         e.Type,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.PublishedAt,
	})
}
